package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"gym_capacity/config"
	"gym_capacity/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.UpstreamConfig{
		BaseURL: srv.URL,
		Endpoints: map[string]string{
			config.EndpointLogin:   "/Auth/Login",
			config.EndpointMembers: "/Clubs/Clubs/GetMembersInClubs",
		},
		Headers: map[string]string{"cp-lang": "en"},
		Timeout: 2 * time.Second,
	}, quartz.NewReal())
}

var testCreds = models.Credentials{Email: "member@example.com", Password: "hunter2"}

func TestAuthenticate_ReturnsTokenFromHeader(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Auth/Login", r.URL.Path)
		require.Equal(t, "en", r.Header.Get("cp-lang"))

		var body loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "member@example.com", body.Login)
		require.Equal(t, "hunter2", body.Password)
		require.False(t, body.RememberMe)

		w.Header().Set("jwt-token", "tok-123")
		w.WriteHeader(http.StatusOK)
	}))

	s, err := client.Authenticate(context.Background(), testCreds)
	require.NoError(t, err)
	require.Equal(t, "tok-123", s.Token)
}

func TestAuthenticate_FailureReasons(t *testing.T) {
	cases := []struct {
		name   string
		status int
		token  string
		reason AuthReason
	}{
		{"unauthorized", http.StatusUnauthorized, "", ReasonInvalidCredentials},
		{"bad request", http.StatusBadRequest, "", ReasonInvalidCredentials},
		{"ok without token", http.StatusOK, "", ReasonInvalidCredentials},
		{"server error", http.StatusBadGateway, "", ReasonUpstreamError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.token != "" {
					w.Header().Set("jwt-token", tc.token)
				}
				w.WriteHeader(tc.status)
			}))

			_, err := client.Authenticate(context.Background(), testCreds)
			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, tc.reason, authErr.Reason)
			require.NotContains(t, err.Error(), "hunter2")
		})
	}
}

func TestAuthenticate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(config.UpstreamConfig{BaseURL: url, Timeout: time.Second}, quartz.NewReal())
	_, err := client.Authenticate(context.Background(), testCreds)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, ReasonUpstreamUnreachable, authErr.Reason)
}

func TestListGyms_ParsesFixtureInOrder(t *testing.T) {
	fixture := loadFixture(t, "members.json")
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write(fixture)
	}))

	gyms, err := client.ListGyms(context.Background(), &Session{Token: "tok"})
	require.NoError(t, err)
	require.Len(t, gyms, 3)
	require.Equal(t, GymInfo{ID: "101", Name: "BETHANIA", Address: "2 Beth St, Bethania QLD"}, gyms[0])
	require.Equal(t, "Springwood", gyms[1].Name)
	require.Equal(t, "103", gyms[2].ID)
}

func TestFetchOccupancy_SelectsRequestedClub(t *testing.T) {
	fixture := loadFixture(t, "members.json")
	date := time.Date(2026, 5, 4, 6, 30, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"ClubId":102}`, string(body))
		w.Header().Set("Date", date.Format(http.TimeFormat))
		w.Write(fixture)
	}))

	occ, err := client.FetchOccupancy(context.Background(), &Session{Token: "tok"}, "102")
	require.NoError(t, err)
	require.Equal(t, "Springwood", occ.Name)
	require.Equal(t, 125, occ.UsersCount)
	require.NotNil(t, occ.UsersLimit)
	require.Equal(t, 120, *occ.UsersLimit)
	require.True(t, date.Equal(occ.ObservedAt))
}

func TestFetchOccupancy_UnknownLimitIsNil(t *testing.T) {
	fixture := loadFixture(t, "members.json")
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fixture)
	}))

	occ, err := client.FetchOccupancy(context.Background(), &Session{Token: "tok"}, "103")
	require.NoError(t, err)
	require.Equal(t, 0, occ.UsersCount)
	require.Nil(t, occ.UsersLimit)
}

func TestFetchOccupancy_Classification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		gymID     string
		transient bool
		target    error
	}{
		{"server error", http.StatusServiceUnavailable, "", "101", true, nil},
		{"rate limited", http.StatusTooManyRequests, "", "101", true, nil},
		{"not found", http.StatusNotFound, "", "101", false, nil},
		{"malformed", http.StatusOK, "{not json", "101", false, ErrMalformedPayload},
		{"missing list", http.StatusOK, `{"Other":[]}`, "101", false, ErrMalformedPayload},
		{"missing club", http.StatusOK, `{"UsersInClubList":[]}`, "101", false, ErrGymNotListed},
		{"missing count", http.StatusOK, `{"UsersInClubList":[{"ClubId":101,"ClubName":"X"}]}`, "101", false, ErrMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))

			_, err := client.FetchOccupancy(context.Background(), &Session{Token: "tok"}, tc.gymID)
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tc.transient, fe.Transient)
			require.Equal(t, tc.transient, IsTransient(err))
			if tc.target != nil {
				require.True(t, errors.Is(err, tc.target), "expected %v in %v", tc.target, err)
			}
		})
	}
}

func TestFetchOccupancy_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := NewClient(config.UpstreamConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, quartz.NewReal())
	_, err := client.FetchOccupancy(context.Background(), &Session{Token: "tok"}, "101")
	require.True(t, IsTransient(err), "expected transient, got %v", err)
}

func TestDescribeBody_HTMLMaintenancePage(t *testing.T) {
	html := `<html><head><title>Down for maintenance</title></head><body><h1>Back soon</h1></body></html>`
	require.Equal(t, "Down for maintenance", describeBody([]byte(html), "text/html", 503))

	noTitle := `<html><body><h1> Back soon </h1></body></html>`
	require.Equal(t, "Back soon", describeBody([]byte(noTitle), "text/html", 503))

	require.Equal(t, "Service Unavailable", describeBody(nil, "", 503))
	require.Len(t, describeBody([]byte(strings.Repeat("x", 500)), "text/plain", 500), 203)
}

func TestDescribeBody_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes put the 200-byte cut inside the two-byte "é".
	body := strings.Repeat("x", 199) + strings.Repeat("é", 10)
	got := describeBody([]byte(body), "text/plain", 500)

	require.True(t, utf8.ValidString(got), "summary is not valid UTF-8: %q", got)
	require.Equal(t, strings.Repeat("x", 199)+"...", got)
}

func TestClient_RequestDelayPacesCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"UsersInClubList":[]}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.UpstreamConfig{BaseURL: srv.URL, Timeout: time.Second, RequestDelay: 40 * time.Millisecond}, quartz.NewReal())

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.ListGyms(context.Background(), &Session{Token: "tok"})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
}
