// Package messaging schedules outbound traffic onto a half-duplex mesh radio.
//
// The package is built around a single coordination loop:
//   - Scheduler: owns the priority queue and the pending-acknowledgment
//     tracker; producers submit messages and the transport's ack path
//     reports acknowledgments over a command channel
//   - Pacer: serializes physical writes, keeps a minimum gap between them
//     and bounds every write with a timeout
//   - AcknowledgmentTracker: the bounded set of direct sends awaiting a
//     radio acknowledgment, with age- and count-based cleanup
//   - Transport: the radio driver contract the scheduler writes to
//
// Every submitted message ends in exactly one terminal state, reported
// through its MessageHandle and any registered DeliveryListener. Admission
// and validation errors are returned synchronously from Submit.
//
// Example usage:
//
//	sched, err := messaging.NewScheduler(transport, messaging.DefaultSchedulerConfig(),
//		messaging.WithDeliveryListener(listener))
//	if err != nil {
//		return err
//	}
//	go sched.Run(ctx)
//
//	handle, err := sched.Submit(ctx, node, []byte("You enter the tavern."),
//		contracts.PriorityHigh, contracts.KindDirect)
//	if errors.Is(err, contracts.ErrQueueFull) {
//		// tell the user to try again later
//	}
//	outcome, err := handle.Wait(ctx)
package messaging
