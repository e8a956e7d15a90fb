// Package engine is the control-plane protocol engine for the RF hub.
//
// An Engine owns one transport and runs a single worker goroutine that reads
// the link, reassembles frames, matches acknowledgements to outstanding
// requests, keeps the sub-device registry, drives the firmware upgrade state
// machines and dispatches unsolicited events. Nothing else mutates that
// state, so the engine needs no locks around it.
//
// # Requests
//
// The hub acknowledges every request with the request opcode OR 0x80 and has
// no transaction ids, so a request is correlated by its expected response
// opcode and the peer that must answer. Only one request per key may be
// outstanding; a second one is rejected with a Busy error and leaves the
// first untouched. Each operation class has a Policy (timeout, retries): on
// each deadline the identical bytes are retransmitted until the budget is
// spent.
//
// Batch requests such as find-me are acknowledged per device. They complete
// when every device answered or the budget is spent, and report which devices
// succeeded and which failed. A partially answered batch is a valid result,
// not an error.
//
// # Usage Example
//
//	e := engine.New(link, engine.Options{Logger: logging.GetLogger()})
//	e.Handle(engine.EventKeyPress, func(ev engine.Event) error {
//	    fmt.Println(ev.Message)
//	    return nil
//	})
//	e.Start()
//	defer e.Close()
//
//	call, err := e.StartFindMe(ctx, 3, ids)
//	if err != nil {
//	    return err
//	}
//	res, err := call.Wait(ctx)
//	fmt.Println(res.Succeeded, res.Failed)
//
// # Events
//
// Handlers run on the worker in arrival order and must return promptly. An
// error returned by a handler is logged and counted in Stats; it never
// changes protocol state.
//
// # Errors
//
// Failures are reported as *Error values carrying an ErrorType
// (ErrTypeTimeout, ErrTypeBusy, ErrTypeProtocolReject, ...). Use the IsX
// predicates to classify them. Corrupt frames are never returned to callers;
// they are counted in Stats.CorruptFrames and reset the link when too many
// arrive in a row.
package engine
