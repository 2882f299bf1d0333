// Package connection supervises named logical connections to remote vault
// peers over the message bus.
//
// The supervisor owns one record per peer. It drives the connect attempt,
// schedules reconnects on failure at fixed delays (1s, 2s, 4s, 8s, 16s, five
// attempts), and tears the record down on disconnect, destroying the peer's
// credential material in the process. Exhausting every reconnect attempt
// parks the record in a terminal error state that only an explicit Connect
// call leaves.
//
// At most one reconnect task exists per peer at any time. Connect and
// Disconnect both cancel a pending backoff task before touching the record,
// so a cancelled task's late timer can never race fresh state.
//
// State transitions are observable through StateChanges, a buffered
// notification channel intended for a UI layer.
package connection
