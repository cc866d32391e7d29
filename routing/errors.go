package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glimte/procflow/contracts"
)

var (
	// ErrNotEnoughRoutes is returned when a scatter-gather has fewer than two routes
	ErrNotEnoughRoutes = errors.New("routing: scatter-gather needs at least two routes")
	// ErrNilRoute is returned when a route is nil
	ErrNilRoute = errors.New("routing: nil route")
)

// TimeoutError is the failure of a route that did not complete in time
type TimeoutError struct {
	Route   int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("route %d timed out after %v", e.Route, e.Timeout)
}

// ErrorType classifies the failure as TIMEOUT
func (e *TimeoutError) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeTimeout
}

// CompositeRoutingError reports the failed routes of a fork-join together
// with the results of the routes that succeeded
type CompositeRoutingError struct {
	Failures map[int]error
	Results  map[int]*contracts.Event
}

func (e *CompositeRoutingError) Error() string {
	routes := e.failedRoutes()
	parts := make([]string, len(routes))
	for i, route := range routes {
		parts[i] = fmt.Sprintf("route %d: %v", route, e.Failures[route])
	}
	return fmt.Sprintf("%d of %d routes failed: %s",
		len(e.Failures), len(e.Failures)+len(e.Results), strings.Join(parts, "; "))
}

// Unwrap returns the route failures in route order
func (e *CompositeRoutingError) Unwrap() []error {
	routes := e.failedRoutes()
	errs := make([]error, len(routes))
	for i, route := range routes {
		errs[i] = e.Failures[route]
	}
	return errs
}

// ErrorType classifies the failure as COMPOSITE_ROUTING
func (e *CompositeRoutingError) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeCompositeRouting
}

func (e *CompositeRoutingError) failedRoutes() []int {
	routes := make([]int, 0, len(e.Failures))
	for route := range e.Failures {
		routes = append(routes, route)
	}
	sort.Ints(routes)
	return routes
}
