package transport

import (
	"context"
	"strings"
	"time"

	"github.com/ussldb/ussl/internal/manager"
	"github.com/ussldb/ussl/internal/protocol"
)

// deadline returns the absolute read deadline for an idle timeout of d, or
// the zero Time (no deadline) when d is non-positive.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// bypassRateLimitVerbs mirrors manager.bypassAuthVerbs's PING/QUIT carve-out
// (spec §6: "PING and QUIT bypass auth and rate limiting").
var bypassRateLimitVerbs = map[string]bool{
	"PING": true,
	"QUIT": true,
}

// serveConn drives one accepted connection end to end: a push-frame pump
// goroutine plus a foreground request/response loop, until the peer
// disconnects, idles out, or sends QUIT.
func (s *Server) serveConn(client string, lc lineConn) {
	defer s.mgr.Disconnect(client)
	defer lc.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Server shutdown cancels ctx; closing the connection then unblocks a
	// pending ReadLine so the loop below exits.
	go func() {
		<-ctx.Done()
		lc.Close()
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpPushFrames(ctx, client, lc)
	}()
	defer func() { cancel(); <-pumpDone }()

	limiter := s.newLimiter()

	for {
		if err := lc.SetReadDeadline(deadline(s.cfg.IdleTimeout)); err != nil {
			return
		}
		line, err := lc.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxCommandLine {
			return // protocol framing error: close the connection (spec §7)
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			return // unbalanced/unterminated JSON is a framing error too
		}

		verb := strings.ToUpper(req.Verb)
		if limiter != nil && !bypassRateLimitVerbs[verb] {
			if !limiter.Allow() {
				if writeErr := lc.WriteLine(protocol.EncodeResult(rateLimitedResult())); writeErr != nil {
					return
				}
				continue
			}
		}

		res := s.mgr.Dispatch(ctx, client, req.Verb, req.Args)
		if writeErr := lc.WriteLine(protocol.EncodeResult(res)); writeErr != nil {
			return
		}
		if verb == "QUIT" {
			return
		}
	}
}

// pumpPushFrames blocks pulling frames off the client's hub queue and
// writes them through the same serialized lineConn writer the
// request/response loop uses, so a push frame is only ever written
// between complete reply frames (spec §9 Open Question #1).
func (s *Server) pumpPushFrames(ctx context.Context, client string, lc lineConn) {
	for {
		frame, ok := s.mgr.Hub().Next(ctx, client)
		if !ok {
			return
		}
		if err := lc.WriteLine(protocol.EncodeFrame(frame)); err != nil {
			return
		}
	}
}

func rateLimitedResult() manager.Result {
	return manager.Result{
		Kind: manager.KindError,
		Err:  &manager.CmdError{Code: manager.ErrRateLimited, Msg: "rate limit exceeded"},
	}
}
