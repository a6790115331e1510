package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"genesis/internal/agent"
	"genesis/internal/config"
	"genesis/internal/db"
	"genesis/internal/domain"
	"genesis/internal/migrate"
	"genesis/internal/world"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (string, *http.Client, *world.World) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := world.New(conn, config.Default(), agent.NullDecider{}, nil)
	if _, err := w.Init(context.Background()); err != nil {
		t.Fatalf("init world: %v", err)
	}
	handler, err := New(Config{World: w, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String(), &http.Client{}, w
}

func signToken(t *testing.T, citizenID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   citizenID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthAndStatusAreOpen(t *testing.T) {
	url, client, _ := newTestServer(t)

	res, _ := doJSON(t, client, http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, url+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status struct {
		Day            int    `json:"day"`
		Status         string `json:"status"`
		ActiveCitizens int    `json:"active_citizens"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Day != 1 || status.Status != domain.WorldActive || status.ActiveCitizens != 5 {
		t.Fatalf("status = %+v", status)
	}
}

func TestWritesRequireToken(t *testing.T) {
	url, client, _ := newTestServer(t)

	res, data := doJSON(t, client, http.MethodPost, url+"/v0/speak", map[string]any{"content": "hi"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/v0/speak", map[string]any{"content": "hi"}, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d: %s", res.StatusCode, string(data))
	}
}

func TestSpeakAsAuthenticatedCitizen(t *testing.T) {
	url, client, _ := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + signToken(t, "C1")}

	res, data := doJSON(t, client, http.MethodPost, url+"/v0/speak", map[string]any{"content": "hello plaza"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("speak status %d: %s", res.StatusCode, string(data))
	}
	var msg domain.PlazaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.CitizenID != "C1" || msg.Content != "hello plaza" {
		t.Fatalf("message = %+v", msg)
	}

	res, data = doJSON(t, client, http.MethodGet, url+"/v0/plaza", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plaza status %d", res.StatusCode)
	}
	var msgs []domain.PlazaMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msgs) != 1 || msgs[0].CitizenID != "C1" {
		t.Fatalf("plaza = %v", msgs)
	}
}

func TestPayConflictsMapToStatusCodes(t *testing.T) {
	url, client, _ := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + signToken(t, "C1")}

	res, data := doJSON(t, client, http.MethodPost, url+"/v0/pay", map[string]any{"to": "C2", "amount": 9999}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("overdraft status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "insufficient_funds" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/v0/pay", map[string]any{"to": "ghost", "amount": 1}, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown receiver status %d: %s", res.StatusCode, string(data))
	}
}

func TestGetUnknownCitizenIs404(t *testing.T) {
	url, client, _ := newTestServer(t)
	res, data := doJSON(t, client, http.MethodGet, url+"/v0/citizens/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitAndVoteOverHTTP(t *testing.T) {
	url, client, w := newTestServer(t)
	if _, err := w.Market.OpenDayNeeds(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	c1 := map[string]string{"Authorization": "Bearer " + signToken(t, "C1")}
	c2 := map[string]string{"Authorization": "Bearer " + signToken(t, "C2")}

	res, data := doJSON(t, client, http.MethodPost, url+"/v0/needs/chronicle/submissions", map[string]any{"content": "the record"}, c1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url+"/v0/needs/chronicle/votes", map[string]any{"candidate": "C1"}, c2)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url+"/v0/needs/chronicle/votes", map[string]any{"candidate": "C1"}, c1)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-vote status %d: %s", res.StatusCode, string(data))
	}
}
