// Package sender pushes claimed outbound messages to carrier HTTP endpoints
// and classifies the responses. Route selection, param templating and
// response classification are all table-driven from the route configuration
// so new carriers are added without code changes.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

const defaultUserAgent = "arksms-dispatch/1.0"

// maxResponseBytes caps how much of a carrier response is read; anything a
// classification regex needs fits well within it.
const maxResponseBytes = 64 << 10

// HTTPSender performs carrier exchanges.
type HTTPSender struct {
	client      *http.Client
	routeRepo   domain.RouteRepository
	networkRepo domain.NetworkRepository
	userAgent   string
	ratePerSec  float64
	logger      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewHTTPSender creates a carrier HTTP sender. ratePerSec caps outgoing
// requests per (route, network) endpoint; zero disables the cap.
func NewHTTPSender(
	routeRepo domain.RouteRepository,
	networkRepo domain.NetworkRepository,
	timeout time.Duration,
	userAgent string,
	ratePerSec float64,
	logger *slog.Logger,
) *HTTPSender {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPSender{
		client:      &http.Client{Timeout: timeout},
		routeRepo:   routeRepo,
		networkRepo: networkRepo,
		userAgent:   userAgent,
		ratePerSec:  ratePerSec,
		logger:      logger.With("component", "http_sender"),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// SelectRoute resolves the HTTP endpoint for a message. The message's own
// network wins, then the route's default-network endpoint, then a network
// derived from the destination number's prefix. Returns ErrRouteNotFound
// when nothing matches; the caller treats that as a permanent failure.
func (s *HTTPSender) SelectRoute(ctx context.Context, msg *domain.Message) (*domain.HTTPRoute, error) {
	if msg.NetworkID != nil {
		route, err := s.routeRepo.GetHTTPRoute(ctx, msg.RouteID, *msg.NetworkID)
		if err != nil {
			return nil, err
		}
		if route != nil {
			return route, nil
		}
	}

	route, err := s.routeRepo.GetHTTPRoute(ctx, msg.RouteID, domain.DefaultNetworkID)
	if err != nil {
		return nil, err
	}
	if route != nil {
		return route, nil
	}

	network, err := s.networkRepo.LookupByPrefix(ctx, msg.NumTo)
	if err != nil {
		return nil, err
	}
	if network != nil {
		route, err = s.routeRepo.GetHTTPRoute(ctx, msg.RouteID, network.ID)
		if err != nil {
			return nil, err
		}
		if route != nil {
			return route, nil
		}
	}

	return nil, fmt.Errorf("message %d: %w", msg.ID, domain.ErrRouteNotFound)
}

// Exchange performs one HTTP request against the route's endpoint and
// returns the response body along with a wire trace of the request. The
// endpoint is guarded by a circuit breaker and a rate limiter; a tripped
// breaker or transport error is a temporary condition for the caller.
func (s *HTTPSender) Exchange(ctx context.Context, route *domain.HTTPRoute, params string) (body string, trace []byte, err error) {
	key := fmt.Sprintf("%d:%d", route.RouteID, route.NetworkID)

	if limiter := s.limiter(key); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", nil, err
		}
	}

	result, err := s.breaker(key).Execute(func() (interface{}, error) {
		return s.exchange(ctx, route, params)
	})
	if err != nil {
		return "", requestTrace(route, params), err
	}

	return result.(string), requestTrace(route, params), nil
}

func (s *HTTPSender) exchange(ctx context.Context, route *domain.HTTPRoute, params string) (string, error) {
	var req *http.Request
	var err error

	if route.Post {
		payload, encErr := encodeText(params, route.BodyEncoding)
		if encErr != nil {
			return "", encErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, route.URL, strings.NewReader(string(payload)))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.ContentLength = int64(len(payload))
		req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	} else {
		url := route.URL
		if params != "" {
			sep := "?"
			if strings.Contains(url, "?") {
				sep = "&"
			}
			url = url + sep + params
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
	}

	userAgent := route.UserAgent
	if userAgent == "" {
		userAgent = s.userAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("carrier returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	s.logger.DebugContext(ctx, "carrier exchange completed",
		"route_id", route.RouteID, "network_id", route.NetworkID,
		"status", resp.StatusCode, "bytes", len(raw))

	return string(raw), nil
}

func (s *HTTPSender) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    key,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		s.breakers[key] = cb
	}
	return cb
}

func (s *HTTPSender) limiter(key string) *rate.Limiter {
	if s.ratePerSec <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.ratePerSec), max(int(s.ratePerSec), 1))
		s.limiters[key] = l
	}
	return l
}

func requestTrace(route *domain.HTTPRoute, params string) []byte {
	method := http.MethodGet
	if route.Post {
		method = http.MethodPost
	}
	return []byte(fmt.Sprintf("%s %s\n%s", method, route.URL, params))
}

// singlePartLimit and multiPartLimit are the classic GSM-7 segment sizes: a
// body over the single-segment limit is split into concatenated parts with
// room reserved for the concatenation header.
const (
	singlePartLimit = 160
	multiPartLimit  = 153
)

// PartCount reports how many SMS segments the body occupies. Wap pushes are
// always a single part.
func PartCount(msg *domain.Message) int64 {
	if msg.MessageType == domain.MessageTypeWapPush {
		return 1
	}
	n := len([]rune(msg.Body))
	if n <= singlePartLimit {
		return 1
	}
	return int64((n + multiPartLimit - 1) / multiPartLimit)
}
