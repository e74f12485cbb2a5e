package threadkit

// Logging convention in the `threadkit` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - auth and connectivity failures
//     - dropped malformed events
//     - orphans that attach at the root after the bounded wait
// V(2):
//     key events for trace debugging
//     this includes:
//     - connection state transitions with the instance id to filter by
//     - frequent events - e.g. send, receive, sweep - which should be
//       readable as a per-instance event trace
//
// Tags: [t] transport, [r] reconciler, [e] ephemeral, [a] api

import (
	"github.com/golang/glog"
)

func logListenerPanic(r any) {
	glog.Infof("[bus]listener panic = %v\n", r)
}
