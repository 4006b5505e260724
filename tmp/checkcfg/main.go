// Manual smoke check for the HTTP API: seeds a run summary, starts the
// server, and hits /v0/runs and /v0/stats with a signed token.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"patchline/internal/db"
	"patchline/internal/domain"
	"patchline/internal/memory"
	"patchline/internal/server"
)

func main() {
	workspace := "/tmp/patchline-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	store := memory.Store{DB: conn}
	err = store.Save(context.Background(), domain.RunSummary{
		WorkItemID:  "smoke-1",
		RepoName:    "demo",
		TaskRaw:     "Add request logging",
		TicketTitle: "Add request logging",
		RiskLevel:   "low",
		FinalStatus: domain.StatusDelivered,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
		RunDir:      "runs/smoke-1",
	})
	if err != nil {
		panic(err)
	}

	jwtSecret := "test-secret"
	h, err := server.New(server.Config{
		Memory:  store,
		RunsDir: workspace + "/runs",
		Auth:    server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}

	for _, path := range []string{"/v0/runs", "/v0/stats"} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			panic(err)
		}
		var resp any
		_ = json.NewDecoder(res.Body).Decode(&resp)
		res.Body.Close()
		fmt.Printf("%s status=%d resp=%v\n", path, res.StatusCode, resp)
	}
}
