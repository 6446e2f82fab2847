package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/api"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/config"
	"github.com/deptportal/msgcore/internal/lock"
	"github.com/deptportal/msgcore/internal/profile"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fakePortal(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/conversations", func(c *gin.Context) {
		c.JSON(200, []gin.H{{"user_id": 7, "name": "Dr. Rao", "unread_count": 2}})
	})
	r.GET("/groups", func(c *gin.Context) {
		c.JSON(200, gin.H{"groups": []gin.H{}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// startDaemon runs the fx module against a throwaway home directory. The path
// is kept short to stay under the 104-char Unix socket limit on macOS.
func startDaemon(t *testing.T, settings config.Profile) (*api.Client, string) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "msgd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.HomeEnv, home)

	socketPath := filepath.Join(home, "d.sock")
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{Profile: "test", SocketPath: socketPath, Settings: &settings}),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, home
}

func TestDaemonLifecycle(t *testing.T) {
	settings := config.Defaults()
	settings.BaseURL = fakePortal(t)
	settings.Token = signedToken(t, "1")
	settings.Feed.Kind = "none"
	c, _ := startDaemon(t, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, "Status", nil)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if resp["profile"] != "test" || resp["self"] != "1" {
		t.Errorf("status = %v", resp)
	}
	// Without a live feed only the REST paths work.
	if resp["state"] != "DEGRADED" {
		t.Errorf("state = %v, want DEGRADED", resp["state"])
	}

	convs, warning, err := c.Conversations(ctx, true)
	if err != nil {
		t.Fatalf("Conversations error = %v", err)
	}
	if warning != "" {
		t.Errorf("refresh warning = %q", warning)
	}
	if len(convs) != 1 || convs[0].ID != string(chat.DirectID("7")) || convs[0].Unread != 2 {
		t.Errorf("conversations = %+v", convs)
	}

	_, err = lock.Acquire(profile.Dir("test"))
	if !lock.IsHeld(err) {
		t.Errorf("second Acquire error = %v, want lock held", err)
	}
}

// TestStatusAuthRequired verifies a daemon without a usable token reports
// AUTH_REQUIRED instead of staying in BOOTING.
func TestStatusAuthRequired(t *testing.T) {
	settings := config.Defaults()
	settings.BaseURL = fakePortal(t)
	settings.Feed.Kind = "none"
	c, _ := startDaemon(t, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Call(ctx, "Status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp["state"] != "AUTH_REQUIRED" {
		t.Errorf("state = %v, want AUTH_REQUIRED", resp["state"])
	}
}

func TestInvalidSettingsFailStartup(t *testing.T) {
	home := t.TempDir()
	t.Setenv(profile.HomeEnv, home)
	settings := config.Defaults()
	settings.Feed.Kind = "none"
	app := fx.New(fx.NopLogger, Module(Params{Profile: "test", Settings: &settings}))
	if app.Err() == nil {
		t.Fatal("expected a missing base_url to fail startup")
	}
}
