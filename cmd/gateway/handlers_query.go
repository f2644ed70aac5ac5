package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"meshgate/pkg/auth"
	"meshgate/pkg/complexity"
	"meshgate/pkg/httpx"
)

// operationRequest is the body of POST {query path}. The explicit
// operationName wins; otherwise the name is parsed from the query text.
type operationRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// handleOperation runs the request pipeline. Each stage short-circuits:
// parse, public pre-check / authenticate, authorize, rate limit, complexity,
// route, forward.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		s.Metrics.ObserveOperation(false)
		return
	}
	var req operationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.reject(w, 400, "BAD_REQUEST", "request body must be JSON", err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.reject(w, 400, "BAD_REQUEST", "query required", nil)
		return
	}
	operation := strings.TrimSpace(req.OperationName)
	if operation == "" {
		operation = complexity.OperationName(req.Query)
	}
	if operation == "" {
		s.reject(w, 400, "BAD_REQUEST", "operation name required", nil)
		return
	}

	// Public operations skip authentication only when the caller presented
	// no credential at all; a presented credential must still verify.
	principal, bearer, authErr := s.Auth.Authenticate(r)
	if authErr != nil {
		s.Metrics.IncRejection(string(authErr.Code))
		s.rejectAuth(w, authErr)
		return
	}
	if principal.IsAnonymous() && !s.Policy.Public(operation) && !s.Auth.Disabled {
		s.reject(w, 401, string(auth.CodeUnauthenticated), "operation requires authentication", nil)
		return
	}

	if decision := s.Policy.Evaluate(principal, operation); !decision.Allowed {
		s.Metrics.IncRejection(decision.Code)
		s.reject(w, decision.Status, decision.Code, decision.Reason, nil)
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow(s.rateLimitKey(r, principal), s.RateLimitMax)
		if !decision.Allowed {
			s.Metrics.IncRejection("RATE_LIMITED")
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			s.reject(w, 429, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
	}

	score, under := s.Guard.Evaluate(req.Query)
	if !under {
		s.Metrics.IncRejection("QUERY_TOO_COMPLEX")
		s.reject(w, 422, "QUERY_TOO_COMPLEX",
			"query complexity "+strconv.Itoa(score.Score)+" exceeds ceiling "+strconv.Itoa(s.Guard.Ceiling), nil)
		return
	}

	route, found := s.Composer.Route(operation)
	if !found {
		s.Metrics.IncRejection("UNKNOWN_OPERATION")
		s.reject(w, 404, "UNKNOWN_OPERATION", "operation "+strconv.Quote(operation)+" is not in the composed surface", nil)
		return
	}
	if !s.Monitor.Healthy(route.Service) {
		s.Metrics.IncRejection("SUBGRAPH_UNHEALTHY")
		s.reject(w, 503, "SUBGRAPH_UNHEALTHY", "service "+route.Service+" is not currently routable", nil)
		return
	}

	authorization := ""
	if bearer != "" {
		authorization = "Bearer " + bearer
	}
	result, fwdErr := s.Forwarder.Forward(r.Context(), route, body, authorization, correlationIDFromContext(r.Context()))
	if fwdErr != nil {
		if fwdErr.Timeout {
			s.Metrics.IncRejection("SUBGRAPH_TIMEOUT")
			s.reject(w, 504, "SUBGRAPH_TIMEOUT", "service "+route.Service+" timed out", fwdErr)
			return
		}
		s.Metrics.IncRejection("SUBGRAPH_UNAVAILABLE")
		s.reject(w, 502, "SUBGRAPH_UNAVAILABLE", "service "+route.Service+" is unreachable", fwdErr)
		return
	}

	s.Metrics.ObserveOperation(result.Status < 400)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Meshgate-Service", result.Service)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// reject writes the rejection envelope. Internal error detail is attached
// only in development mode.
func (s *Server) reject(w http.ResponseWriter, status int, code, message string, err error) {
	s.Metrics.ObserveOperation(false)
	if err != nil && s.DevelopmentMode {
		httpx.ErrorDetail(w, status, code, message, err.Error())
		return
	}
	httpx.Error(w, status, code, message)
}

// rejectAuth surfaces every verification failure as 401, key-resolution
// failures included: a token the gateway cannot verify is not accepted.
func (s *Server) rejectAuth(w http.ResponseWriter, authErr *auth.Error) {
	s.reject(w, 401, string(authErr.Code), authErr.Message, authErr.Unwrap())
}

// rateLimitKey picks the most specific stable caller identity available.
func (s *Server) rateLimitKey(r *http.Request, principal auth.Principal) string {
	if !principal.IsAnonymous() {
		return "sub:" + principal.Subject
	}
	return "ip:" + s.clientIP(r)
}
