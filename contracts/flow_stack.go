package contracts

import (
	"sync"
	"time"
)

// FlowStackElement is an entry of the flow call stack
type FlowStackElement struct {
	Name       string
	Identifier string
	Entered    time.Time
}

// FlowCallStack tracks the nesting of flows and policies an event is executing in
type FlowCallStack struct {
	mu       sync.RWMutex
	elements []FlowStackElement
}

// NewFlowCallStack creates an empty flow call stack
func NewFlowCallStack() *FlowCallStack {
	return &FlowCallStack{}
}

// Push adds an element on top of the stack
func (s *FlowCallStack) Push(element FlowStackElement) {
	if element.Entered.IsZero() {
		element.Entered = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = append(s.elements, element)
}

// Pop removes and returns the top element
func (s *FlowCallStack) Pop() (FlowStackElement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.elements) == 0 {
		return FlowStackElement{}, false
	}
	top := s.elements[len(s.elements)-1]
	s.elements = s.elements[:len(s.elements)-1]
	return top, true
}

// Peek returns the top element without removing it
func (s *FlowCallStack) Peek() (FlowStackElement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.elements) == 0 {
		return FlowStackElement{}, false
	}
	return s.elements[len(s.elements)-1], true
}

// Elements returns the stack contents, top first
func (s *FlowCallStack) Elements() []FlowStackElement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FlowStackElement, len(s.elements))
	for i, el := range s.elements {
		out[len(s.elements)-1-i] = el
	}
	return out
}

// Len returns the stack depth
func (s *FlowCallStack) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

// Copy returns an independent copy of the stack
func (s *FlowCallStack) Copy() *FlowCallStack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &FlowCallStack{elements: make([]FlowStackElement, len(s.elements))}
	copy(c.elements, s.elements)
	return c
}
