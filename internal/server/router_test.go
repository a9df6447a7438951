package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/faults"
	"github.com/pinpointhq/pinpoint/backend/internal/geometry"
	"github.com/pinpointhq/pinpoint/backend/internal/identity"
	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
	"github.com/pinpointhq/pinpoint/backend/internal/viewstate"
)

var testDatabaseSequence int

type stubSessionValidator struct {
	users map[string]string
}

func (s stubSessionValidator) ValidateSession(token string) (string, string, error) {
	if name, ok := s.users[token]; ok {
		return token, name, nil
	}
	return "", "", errors.New("unknown session")
}

type stubCapturer struct {
	shot []byte
	err  error
}

func (s stubCapturer) CapturePage(context.Context, string, geometry.Preset) ([]byte, error) {
	return s.shot, s.err
}

type testEnv struct {
	handler http.Handler
	broker  realtime.Broker
	db      *gorm.DB
}

const validShareToken = "kJ8x2mQ9vL4pR7nW3tY6uB1cD5fG0hSa"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDatabaseSequence++
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", testDatabaseSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(
		&annotations.Annotation{}, &annotations.Reply{}, &annotations.Attachment{},
		&identity.Collaborator{}, &viewstate.State{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	annotationService, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		IDProvider: annotations.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct annotation service: %v", err)
	}
	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}
	viewStateService, err := viewstate.NewService(viewstate.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct viewstate service: %v", err)
	}

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	broker := realtime.NewRedisBrokerWithClient(client, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })

	handler, err := NewHTTPHandler(Dependencies{
		Sessions: stubSessionValidator{users: map[string]string{
			"user-owner":  "Olivia",
			"user-second": "Sam",
		}},
		Identity:    identityService,
		Annotations: annotationService,
		Broker:      broker,
		ViewState:   viewStateService,
		Capturer:    stubCapturer{err: fmt.Errorf("%w: browser crashed", faults.ErrScreenshotCapture)},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testEnv{handler: handler, broker: broker, db: db}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) doGuest(t *testing.T, method, path, guestName string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Share-Token", validShareToken)
	request.Header.Set("X-Guest-Name", guestName)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) createAnnotation(t *testing.T, token, assetID, content string) annotations.Annotation {
	t.Helper()
	recorder := env.do(t, http.MethodPost, "/assets/"+assetID+"/annotations", token, annotationRequestPayload{
		PageURL: "https://example.com/pricing",
		Content: content,
		X:       120,
		Y:       340,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("annotation create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var created annotations.Annotation
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	return created
}

func TestRouterRejectsMissingCredentials(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodGet, "/assets/asset-1/annotations", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", recorder.Code)
	}
}

func TestRouterRejectsWeakShareToken(t *testing.T) {
	env := newTestEnv(t)

	request := httptest.NewRequest(http.MethodGet, "/assets/asset-1/annotations", http.NoBody)
	request.Header.Set("X-Share-Token", "guest")
	request.Header.Set("X-Guest-Name", "Sam")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for weak share token, got %d", recorder.Code)
	}
}

func TestAnnotationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	created := env.createAnnotation(t, "user-owner", "asset-1", "does this wrap on mobile?")
	if created.AuthorID != "user-owner" {
		t.Fatalf("expected member authorship, got %+v", created)
	}

	recorder := env.do(t, http.MethodGet, "/assets/asset-1/annotations", "user-owner", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list failed: %d", recorder.Code)
	}

	patchContent := "does this wrap on tablet too?"
	recorder = env.do(t, http.MethodPatch, "/annotations/"+created.ID, "user-owner", annotationPatchPayload{
		Content: &patchContent,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.do(t, http.MethodPost, "/annotations/"+created.ID+"/resolve", "user-owner", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d", recorder.Code)
	}
	var resolved annotations.Annotation
	if err := json.Unmarshal(recorder.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	if resolved.Status != annotations.StatusResolved {
		t.Fatalf("expected resolved status, got %s", resolved.Status)
	}

	recorder = env.do(t, http.MethodDelete, "/annotations/"+created.ID, "user-owner", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodGet, "/annotations/"+created.ID, "user-owner", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestCreatePublishesMutationEvent(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.broker.SubscribeMutations(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	created := env.createAnnotation(t, "user-owner", "asset-1", "check the header spacing")

	event := <-sub.Events()
	if event.Type != realtime.EventAnnotationCreated {
		t.Fatalf("expected annotation:created, got %s", event.Type)
	}
	if event.AnnotationID != created.ID {
		t.Fatalf("event references wrong annotation: %s", event.AnnotationID)
	}
}

func TestGuestCannotDeleteOthersAnnotation(t *testing.T) {
	env := newTestEnv(t)

	created := env.createAnnotation(t, "user-owner", "asset-1", "owner note")

	recorder := env.doGuest(t, http.MethodDelete, "/annotations/"+created.ID, "Sam", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guest deleting member content, got %d", recorder.Code)
	}
}

func TestGuestCanCreateAndReply(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.doGuest(t, http.MethodPost, "/assets/asset-1/annotations", "Sam", annotationRequestPayload{
		Content: "logo looks blurry here",
		X:       10,
		Y:       20,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("guest create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var created annotations.Annotation
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	if created.GuestName != "Sam" || created.AuthorID != "" {
		t.Fatalf("expected guest authorship, got %+v", created)
	}

	recorder = env.doGuest(t, http.MethodPost, "/annotations/"+created.ID+"/replies", "Sam", replyRequestPayload{
		Content: "same on my screen",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("guest reply failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestGuestCannotListCollaborators(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.doGuest(t, http.MethodGet, "/assets/asset-1/collaborators", "Sam", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guest on collaborators, got %d", recorder.Code)
	}
}

func TestSecondMemberJoinsAsViewerAndCannotMutate(t *testing.T) {
	env := newTestEnv(t)

	created := env.createAnnotation(t, "user-owner", "asset-1", "owner note")

	patchContent := "hijacked"
	recorder := env.do(t, http.MethodPatch, "/annotations/"+created.ID, "user-second", annotationPatchPayload{
		Content: &patchContent,
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer mutation, got %d", recorder.Code)
	}
}

func TestOwnerPromotesCollaborator(t *testing.T) {
	env := newTestEnv(t)

	created := env.createAnnotation(t, "user-owner", "asset-1", "owner note")

	// Bind the second user to the asset, then promote them.
	if recorder := env.do(t, http.MethodGet, "/assets/asset-1/annotations", "user-second", nil); recorder.Code != http.StatusOK {
		t.Fatalf("viewer list failed: %d", recorder.Code)
	}
	recorder := env.do(t, http.MethodPut, "/assets/asset-1/collaborators/user-second/role", "user-owner", rolePayload{Role: "editor"})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("role update failed: %d %s", recorder.Code, recorder.Body.String())
	}

	patchContent := "edited by promoted collaborator"
	recorder = env.do(t, http.MethodPatch, "/annotations/"+created.ID, "user-second", annotationPatchPayload{
		Content: &patchContent,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected editor to mutate, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestBulkResolvePartialSuccess(t *testing.T) {
	env := newTestEnv(t)

	first := env.createAnnotation(t, "user-owner", "asset-1", "first")
	second := env.createAnnotation(t, "user-owner", "asset-1", "second")

	recorder := env.do(t, http.MethodPost, "/assets/asset-1/annotations/bulk", "user-owner", bulkRequestPayload{
		Action:        "resolve",
		AnnotationIDs: []string{first.ID, second.ID, "missing-annotation"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("bulk failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response bulkResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode bulk response: %v", err)
	}
	if response.Succeeded != 2 || response.Failed != 1 {
		t.Fatalf("expected 2 succeeded / 1 failed, got %+v", response)
	}
}

func TestViewStateRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPut, "/assets/asset-1/viewstate", "user-owner", viewStatePayload{
		Mode:    "comment",
		Preset:  "tablet",
		LastURL: "https://example.com/pricing",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("viewstate save failed: %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/assets/asset-1/viewstate", "user-owner", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("viewstate load failed: %d", recorder.Code)
	}
	var state viewStatePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode viewstate: %v", err)
	}
	if state.Mode != "comment" || state.Preset != "tablet" {
		t.Fatalf("unexpected viewstate %+v", state)
	}
}

func TestCaptureFailureDegradesGracefully(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/assets/asset-1/capture", "user-owner", capturePayload{
		URL:    "https://example.com",
		Preset: "mobile",
	})
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when capture fails, got %d", recorder.Code)
	}
}
