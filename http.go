package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/monasticacademy/mockrelease/pkg/release"
)

// HTTPCall models a request answered by the mock server, as exposed over the API and serialized to disk
type HTTPCall struct {
	ID       string       `json:"id"`
	Time     time.Time    `json:"time"`
	Request  HTTPRequest  `json:"request"`
	Response HTTPResponse `json:"response"`
}

// HTTPRequest models the information about an HTTP request that is exposed over the API and serialized to disk
type HTTPRequest struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Host       string      `json:"host"`
	RemoteAddr string      `json:"remote_addr"`
	Header     http.Header `json:"header"`
}

// HTTPResponse models the information about an HTTP response that is exposed over the API and serialized to disk
type HTTPResponse struct {
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	Error      string      `json:"error,omitempty"`
}

// newHTTPCall builds a call record from a request and the response the server gave it
func newHTTPCall(r *http.Request, resp *release.Response) *HTTPCall {
	call := HTTPCall{
		ID:   uuid.NewString(),
		Time: time.Now(),
		Request: HTTPRequest{
			Method:     r.Method,
			URL:        r.URL.String(),
			Host:       r.Host,
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header.Clone(),
		},
		Response: HTTPResponse{
			StatusCode: resp.StatusCode,
			Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Header:     resp.Header.Clone(),
			Body:       resp.Body,
		},
	}
	if resp.Err != nil {
		call.Response.Error = resp.Err.Error()
	}
	return &call
}

// httpListener receives HTTPCalls each time a request is answered
type httpListener chan *HTTPCall

// callHub keeps the history of answered requests and fans each new one out to listeners
type callHub struct {
	mu        sync.Mutex
	listeners []httpListener
	calls     []*HTTPCall
	closed    bool
}

// add a listener that will receive events for each next HTTP call; the set of historical
// HTTP calls is returned in a way that guarantees none are missed
func (h *callHub) listen() (httpListener, []*HTTPCall) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := make(httpListener, 128)
	if h.closed {
		close(l)
	} else {
		h.listeners = append(h.listeners, l)
	}
	return l, append([]*HTTPCall(nil), h.calls...)
}

// remove a listener, for example when an API client disconnects
func (h *callHub) unlisten(l httpListener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, x := range h.listeners {
		if x == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(l)
			return
		}
	}
}

// add an HTTP call and notify listeners
func (h *callHub) notify(call *HTTPCall) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.calls = append(h.calls, call)
	for _, l := range h.listeners {
		select {
		case l <- call:
		default:
			verbosef("dropping call %v for a slow listener", call.ID)
		}
	}
}

// history returns every call recorded so far
func (h *callHub) history() []*HTTPCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*HTTPCall(nil), h.calls...)
}

// close all listeners so that the receiving end can exit
func (h *callHub) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, l := range h.listeners {
		close(l)
	}
	h.listeners = nil
}

// serveCalls streams calls to an API client as server-sent events
func (h *callHub) serveCalls(w http.ResponseWriter, r *http.Request) {
	verbose("at /api/calls")

	ch, history := h.listen()
	defer h.unlisten(ch)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Content-Encoding", "none")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	f, _ := w.(http.Flusher)
	send := func(call *HTTPCall) {
		fmt.Fprint(w, "data: ")
		json.NewEncoder(w).Encode(call)
		fmt.Fprint(w, "\n\n")
		if f != nil {
			f.Flush()
		}
	}

	for _, call := range history {
		send(call)
	}

	for {
		select {
		case call, ok := <-ch:
			if !ok {
				return
			}
			send(call)
		case <-r.Context().Done():
			return
		}
	}
}
