package sandboxctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const testToken = "opaque-token"

// sandboxServer imitates the signup API behind DefaultRoutes.
type sandboxServer struct {
	mu sync.Mutex

	signedUp        bool
	verified        bool
	pollsUntilReady int
	reason          string

	phone string
	code  string

	requests []string
}

func newSandboxServer(t *testing.T, s *sandboxServer) *httptest.Server {
	t.Helper()
	if s.phone == "" {
		s.phone = "5551234567"
	}
	if s.code == "" {
		s.code = "123456"
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *sandboxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /api/v1/signup":
		if !s.signedUp {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "user not found"})
			return
		}
		status := map[string]any{"reason": s.reason}
		switch {
		case s.reason != "":
		case !s.verified:
			status["verificationRequired"] = true
		case s.pollsUntilReady > 0:
			s.pollsUntilReady--
			status["reason"] = "Provisioning"
		default:
			status["ready"] = true
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status,
			"username":   "dev",
			"consoleURL": "https://console.example.com",
		})
	case "POST /api/v1/signup":
		s.signedUp = true
		w.WriteHeader(http.StatusAccepted)
	case "POST /api/v1/signup/verification":
		var req struct {
			CountryCode string `json:"country_code"`
			PhoneNumber string `json:"phone_number"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.PhoneNumber != s.phone {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid phone number"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "POST /api/v1/signup/verification/confirm":
		var req struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Code != s.code {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "invalid code"})
			return
		}
		s.verified = true
		w.WriteHeader(http.StatusOK)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no route"})
	}
}

func (s *sandboxServer) count(req string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r == req {
			n++
		}
	}
	return n
}
