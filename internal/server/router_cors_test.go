package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouterAnswersCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	request := httptest.NewRequest(http.MethodOptions, "/assets/asset-1/annotations", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, X-Share-Token")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent && recorder.Code != http.StatusOK {
		t.Fatalf("unexpected preflight status %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("unexpected allow origin %q", origin)
	}
}
