package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"carapace/internal/agent"
	"carapace/internal/sandbox"
	"carapace/internal/session"
	"carapace/internal/tools"
)

const closeSessionNotFound = 4004

// channelConn is one live websocket attachment to a session.
type channelConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	verbose bool
}

func (s *Server) sessionChannel(c *gin.Context) {
	sessionID := c.Param("id")
	token := clientToken(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade for %s: %v", sessionID, err)
		return
	}

	// Auth happens on the socket so clients get a close code rather
	// than a failed handshake.
	if token != s.token {
		closeWith(conn, websocket.ClosePolicyViolation, "Invalid token")
		return
	}
	if _, err := s.store.LoadState(sessionID); err != nil {
		closeWith(conn, closeSessionNotFound, "Session not found")
		return
	}

	cc := &channelConn{server: s, conn: conn, sessionID: sessionID}
	cc.serve(c.Request.Context())
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (cc *channelConn) send(envelope ServerEnvelope) {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.conn.WriteJSON(envelope); err != nil {
		cc.server.log.Warn("websocket write for %s: %v", cc.sessionID, err)
	}
}

func (cc *channelConn) sendError(detail string) {
	cc.send(ServerEnvelope{Type: ServerError, Detail: detail})
}

func (cc *channelConn) serve(parent context.Context) {
	defer cc.conn.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Proxy approvals can arrive while a sandbox command runs; forward
	// them as they appear.
	go cc.drainProxyApprovals(ctx)
	defer func() {
		if cc.server.sandbox != nil {
			cc.server.sandbox.DenySessionApprovals(cc.sessionID)
		}
	}()

	for {
		envelope, err := cc.read()
		if err != nil {
			return
		}
		if envelope == nil {
			continue
		}
		switch envelope.Type {
		case ClientMessage:
			if strings.HasPrefix(envelope.Content, "/") {
				if quit := cc.handleCommand(envelope.Content); quit {
					return
				}
				continue
			}
			cc.runTurn(ctx, envelope.Content)
		case ClientProxyApprovalResponse:
			cc.resolveProxyApproval(envelope)
		case ClientApprovalResponse:
			cc.sendError("No approval is pending.")
		}
	}
}

// read returns nil,nil for frames that failed validation (the client
// already got an error envelope).
func (cc *channelConn) read() (*ClientEnvelope, error) {
	_, data, err := cc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	envelope, err := ParseClientMessage(data)
	if err != nil {
		cc.sendError(err.Error())
		return nil, nil
	}
	return envelope, nil
}

func (cc *channelConn) drainProxyApprovals(ctx context.Context) {
	if cc.server.sandbox == nil {
		return
	}
	for {
		approval, err := cc.server.sandbox.NextDomainApproval(ctx, cc.sessionID)
		if err != nil {
			return
		}
		cc.send(ServerEnvelope{
			Type:      ServerProxyApprovalRequest,
			RequestID: approval.RequestID,
			Domain:    approval.Domain,
			Command:   approval.Command,
		})
	}
}

func (cc *channelConn) resolveProxyApproval(envelope *ClientEnvelope) {
	if cc.server.sandbox == nil {
		return
	}
	decision := sandbox.DomainDecision(envelope.Decision)
	switch decision {
	case sandbox.DecisionAllowOnce, sandbox.DecisionAllowAllOnce,
		sandbox.DecisionAllow15Min, sandbox.DecisionAllowAll15Min, sandbox.DecisionDeny:
	default:
		cc.sendError("Unknown decision: " + envelope.Decision)
		return
	}
	cc.server.sandbox.ResolveDomainApproval(envelope.RequestID, decision)
}

func (cc *channelConn) runTurn(ctx context.Context, content string) {
	s := cc.server
	release := s.locks.Acquire(cc.sessionID)
	defer release()

	// Reload under the lock; another channel may have advanced the
	// session since connect.
	state, err := s.store.Resume(cc.sessionID)
	if err != nil {
		cc.sendError("Session no longer exists.")
		return
	}
	history, err := s.store.LoadHistory(cc.sessionID)
	if err != nil {
		cc.sendError("Failed to load session history.")
		return
	}
	tracker, err := s.store.LoadUsage(cc.sessionID)
	if err != nil {
		cc.sendError("Failed to load session usage.")
		return
	}

	catalog, err := s.skills.Scan()
	if err != nil {
		s.log.Warn("skill scan: %v", err)
	}

	env := &tools.Env{
		SessionID:   cc.sessionID,
		State:       state,
		Workspace:   s.sandbox.SessionWorkspace(cc.sessionID),
		Sandbox:     s.sandbox,
		Memory:      s.memory,
		Skills:      s.skills,
		Credentials: s.creds,
		Log:         s.log,
	}
	runState := &agent.RunState{
		Env:        env,
		SystemProm: agent.BuildSystemPrompt(s.dataDir, catalog, state),
		Messages:   history,
		Verbose:    cc.verbose,
		Usage:      tracker,
		OnToolCall: func(info agent.ToolCallInfo) {
			cc.send(ServerEnvelope{
				Type:   ServerToolCall,
				Tool:   info.Name,
				Args:   info.Args,
				Detail: info.Detail,
			})
		},
	}

	outcome, err := s.agent.Run(ctx, runState, content)
	for err == nil && len(outcome.Pending) > 0 {
		approvals, interrupted := cc.collectApprovals(outcome.Pending)
		if interrupted {
			cc.sendError("Approval interrupted.")
		}
		outcome, err = s.agent.Resume(ctx, runState, approvals)
	}
	if err != nil {
		s.log.Error("turn for %s: %v", cc.sessionID, err)
		cc.sendError("Agent turn failed: " + err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.AgentTurns.Inc()
	}
	cc.persistTurn(state, runState, tracker, content, outcome.Reply)

	// done is the terminal frame and carries the answer.
	cc.send(ServerEnvelope{Type: ServerDone, Content: outcome.Reply})
}

// collectApprovals asks the user about each deferred call and reads
// responses until all are answered. Any non-approval frame (other than
// proxy approvals, which are forwarded) denies everything outstanding.
func (cc *channelConn) collectApprovals(pending []agent.DeferredCall) (map[string]bool, bool) {
	expected := make(map[string]bool, len(pending))
	for _, deferred := range pending {
		expected[deferred.Call.ID] = true
		classification := deferred.Classification
		cc.send(ServerEnvelope{
			Type:           ServerApprovalRequest,
			ToolCallID:     deferred.Call.ID,
			Tool:           deferred.Call.Name,
			Args:           deferred.Call.Arguments,
			Classification: &classification,
			TriggeredRules: deferred.TriggeredRules,
			Descriptions:   deferred.Descriptions,
		})
	}

	approvals := make(map[string]bool)
	for len(approvals) < len(expected) {
		envelope, err := cc.read()
		if err != nil {
			return approvals, true
		}
		if envelope == nil {
			continue
		}
		switch envelope.Type {
		case ClientApprovalResponse:
			if !expected[envelope.ToolCallID] {
				cc.sendError("Unknown tool_call_id: " + envelope.ToolCallID)
				continue
			}
			approvals[envelope.ToolCallID] = envelope.Approved
		case ClientProxyApprovalResponse:
			cc.resolveProxyApproval(envelope)
		default:
			return approvals, true
		}
	}
	return approvals, false
}

func (cc *channelConn) persistTurn(state *session.State, runState *agent.RunState, tracker *session.UsageTracker, userMessage, reply string) {
	s := cc.server
	if err := s.store.SaveHistory(cc.sessionID, runState.Messages); err != nil {
		s.log.Error("save history for %s: %v", cc.sessionID, err)
	}
	if err := s.store.SaveState(state); err != nil {
		s.log.Error("save state for %s: %v", cc.sessionID, err)
	}
	if err := s.store.SaveUsage(cc.sessionID, tracker); err != nil {
		s.log.Error("save usage for %s: %v", cc.sessionID, err)
	}
	err := s.store.AppendEvents(cc.sessionID,
		session.Event{Role: "user", Content: userMessage},
		session.Event{Role: "assistant", Content: reply},
	)
	if err != nil {
		s.log.Error("append events for %s: %v", cc.sessionID, err)
	}
}
