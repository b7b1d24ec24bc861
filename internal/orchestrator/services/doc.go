// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package services provides suture.Service wrappers that adapt a
provider's lifecycle pattern to suture v4's supervision model, so the
SupervisorTree in internal/orchestrator can restart a crashed background
loop without tearing down the whole provider.

	type Service interface {
	    Serve(ctx context.Context) error
	}

HTTPServerService wraps a per-provider *http.Server (the uniform HTTP
surface every emulator registers) converting its blocking
ListenAndServe/Shutdown pair into the context-aware Serve pattern:

	server := &http.Server{Addr: ":3857", Handler: router}
	svc := services.NewHTTPServerService(server, 10*time.Second)
	tree.AddWireService(svc)

Other providers with their own background loop — queue pollers, push
dispatchers, schedule runners (internal/eventsource), storage-backend
compaction sweeps — implement suture.Service directly rather than going
through a wrapper here, since their Start/Stop already speaks the
context-cancellation idiom suture expects.

Return-value convention, shared by every wrapper in this package:

	nil        -> stopped cleanly, will not be restarted
	error      -> crashed, supervisor restarts it per the tree's backoff policy
	ctx.Err()  -> shutdown requested, normal termination
*/
package services
