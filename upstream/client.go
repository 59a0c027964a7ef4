// Package upstream talks to the PerfectGym client portal. Every call is a
// single attempt; callers decide what to retry from the error type.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gym_capacity/config"
	"gym_capacity/httputil"
	"gym_capacity/metrics"
	"gym_capacity/models"
)

const (
	opAuthenticate   = "authenticate"
	opListGyms       = "list_gyms"
	opFetchOccupancy = "fetch_occupancy"

	tokenHeader  = "jwt-token"
	maxBodyBytes = 4 * 1024 * 1024

	maxSummaryBytes = 200
)

type Client struct {
	baseURL   string
	endpoints map[string]string
	headers   map[string]string
	http      *http.Client
	limiter   *rate.Limiter
	clock     quartz.Clock
}

func NewClient(cfg config.UpstreamConfig, clock quartz.Clock) *Client {
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = map[string]string{
			config.EndpointLogin:   "/Auth/Login",
			config.EndpointMembers: "/Clubs/Clubs/GetMembersInClubs",
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: endpoints,
		headers:   cfg.Headers,
		http:      httputil.NewClient(cfg.Timeout, cfg.Proxy),
		limiter:   rate.NewLimiter(limit, 1),
		clock:     clock,
	}
}

func (c *Client) Authenticate(ctx context.Context, creds models.Credentials) (*Session, error) {
	reqBody := loginRequest{
		RememberMe: false,
		Login:      creds.Email,
		Password:   creds.Password,
	}

	resp, data, err := c.post(ctx, config.EndpointLogin, "", reqBody)
	if err != nil {
		c.observe(opAuthenticate, "unreachable")
		return nil, &AuthError{Reason: ReasonUpstreamUnreachable, Err: err}
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		token := resp.Header.Get(tokenHeader)
		if token == "" {
			c.observe(opAuthenticate, "rejected")
			return nil, &AuthError{
				Reason: ReasonInvalidCredentials,
				Err:    errors.New("login accepted without a session token"),
			}
		}
		c.observe(opAuthenticate, "ok")
		return &Session{Token: token, IssuedAt: c.clock.Now().UTC()}, nil
	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
		c.observe(opAuthenticate, "rejected")
		return nil, &AuthError{
			Reason:     ReasonInvalidCredentials,
			StatusCode: code,
			Err:        errors.New(describeBody(data, resp.Header.Get("Content-Type"), code)),
		}
	default:
		c.observe(opAuthenticate, "error")
		return nil, &AuthError{
			Reason:     ReasonUpstreamError,
			StatusCode: code,
			Err:        errors.New(describeBody(data, resp.Header.Get("Content-Type"), code)),
		}
	}
}

// ListGyms returns the clubs in the order the portal reports them.
func (c *Client) ListGyms(ctx context.Context, s *Session) ([]GymInfo, error) {
	entries, _, err := c.members(ctx, opListGyms, s, nil)
	if err != nil {
		return nil, err
	}

	gyms := make([]GymInfo, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.ClubName) == "" {
			log.Debug().Interface("club_id", e.ClubID).Msg("Skipping club without a name")
			continue
		}
		gyms = append(gyms, GymInfo{
			ID:      e.id(),
			Name:    strings.TrimSpace(e.ClubName),
			Address: strings.TrimSpace(e.ClubAddress),
		})
	}
	c.observe(opListGyms, "ok")
	return gyms, nil
}

// FetchOccupancy asks the portal for a single club and returns its current
// head count. A response that does not mention the club is permanent.
func (c *Client) FetchOccupancy(ctx context.Context, s *Session, gymID string) (*Occupancy, error) {
	var clubID *int
	if id, err := strconv.Atoi(gymID); err == nil {
		clubID = &id
	}

	entries, observedAt, err := c.members(ctx, opFetchOccupancy, s, clubID)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.id() != gymID {
			continue
		}
		if e.UsersCount == nil || *e.UsersCount < 0 {
			c.observe(opFetchOccupancy, "permanent")
			return nil, &FetchError{
				Op:  opFetchOccupancy,
				Err: fmt.Errorf("%w: club %s has no valid UsersCountCurrentlyInClub", ErrMalformedPayload, gymID),
			}
		}

		var limit *int
		if e.UsersLimit != nil && *e.UsersLimit > 0 {
			l := *e.UsersLimit
			limit = &l
		}

		c.observe(opFetchOccupancy, "ok")
		return &Occupancy{
			GymID:      gymID,
			Name:       strings.TrimSpace(e.ClubName),
			Address:    strings.TrimSpace(e.ClubAddress),
			UsersCount: *e.UsersCount,
			UsersLimit: limit,
			ObservedAt: observedAt,
		}, nil
	}

	c.observe(opFetchOccupancy, "permanent")
	return nil, &FetchError{
		Op:  opFetchOccupancy,
		Err: fmt.Errorf("%w: %s", ErrGymNotListed, gymID),
	}
}

func (c *Client) members(ctx context.Context, op string, s *Session, clubID *int) ([]clubEntry, time.Time, error) {
	if s == nil || s.Token == "" {
		return nil, time.Time{}, &FetchError{Op: op, Err: errors.New("no session")}
	}

	resp, data, err := c.post(ctx, config.EndpointMembers, s.Token, membersRequest{ClubID: clubID})
	if err != nil {
		c.observe(op, "transient")
		return nil, time.Time{}, &FetchError{Op: op, Transient: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := &FetchError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        errors.New(describeBody(data, resp.Header.Get("Content-Type"), resp.StatusCode)),
		}
		c.observe(op, outcome(fe))
		return nil, time.Time{}, fe
	}

	var parsed membersResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		c.observe(op, "permanent")
		return nil, time.Time{}, &FetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	if parsed.UsersInClubList == nil {
		c.observe(op, "permanent")
		return nil, time.Time{}, &FetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: missing UsersInClubList", ErrMalformedPayload)}
	}

	return *parsed.UsersInClubList, c.observedAt(resp), nil
}

func (c *Client) post(ctx context.Context, endpoint, token string, payload any) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoints[endpoint], bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, data, nil
}

// observedAt prefers the portal's Date header so readings carry upstream time.
func (c *Client) observedAt(resp *http.Response) time.Time {
	if d := resp.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			return t.UTC()
		}
	}
	return c.clock.Now().UTC()
}

func (c *Client) observe(op, result string) {
	metrics.UpstreamRequests.WithLabelValues(op, result).Inc()
}

func outcome(fe *FetchError) string {
	if fe.Transient {
		return "transient"
	}
	return "permanent"
}

// describeBody turns an error response into a short message. Maintenance
// pages come back as HTML, so their title or first heading is used.
func describeBody(data []byte, contentType string, status int) string {
	trimmed := bytes.TrimSpace(data)
	text := string(trimmed)

	if strings.Contains(contentType, "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				return title
			}
			if h := strings.TrimSpace(doc.Find("h1, h2").First().Text()); h != "" {
				return h
			}
			text = strings.Join(strings.Fields(doc.Text()), " ")
		}
	}

	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > maxSummaryBytes {
		cut := maxSummaryBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
