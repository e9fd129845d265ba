// Package gateway is the HTTP composition root of slideforge.
//
// # Overview
//
// A Gateway owns the session store, the agent.Service registry of live
// sessions, the idle reaper and the HTTP server. New wires them from config;
// NewWithDeps takes an existing store and runtime, which is how tests run it.
//
// # HTTP API
//
// All /api/ routes run behind auth.HTTPAuthMiddleware and are scoped to the
// caller's owner ID:
//
//	GET    /api/agent/sessions                   list, newest activity first
//	POST   /api/agent/sessions                   create
//	GET    /api/agent/sessions/{id}              fetch with transcript
//	PATCH  /api/agent/sessions/{id}              title and status
//	DELETE /api/agent/sessions/{id}              close live session, then delete
//	POST   /api/agent/sessions/{id}/close        close live session only
//	PUT    /api/agent/sessions/{id}/outline      store generated outline
//	PUT    /api/agent/sessions/{id}/slides       store generated slides
//	GET    /api/agent/sessions/{id}/transcript   markdown, html or json export
//	POST   /api/agent/chat                       stream one turn as SSE
//
// # Chat Stream
//
// The chat response is a sequence of "data: <json>" records:
//
//	{"type":"assistant_message","content":"..."}
//	{"type":"tool_use","toolName":"...","toolInput":{...}}
//	{"type":"result","success":true}
//	{"type":"error","content":"..."}
//
// A result is followed by "data: [DONE]". An error record ends the stream.
// When a client disconnects its listener is removed but the session keeps
// running.
//
// # Health Endpoints
//
//	GET /health        liveness
//	GET /health/ready  database ping and live session count
package gateway
