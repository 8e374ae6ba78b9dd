// Package waypoint manages durable workflow sessions for the four-stage
// itinerary pipeline: content planning, information gathering, strategy,
// and compilation.
//
// A Manager owns the session lifecycle. It persists every mutation through
// the repository with compare-and-swap writes, asks a dispatch.Dispatcher
// to run each stage, records a checkpoint when a stage reports success, and
// pushes progress to live subscribers through a stream.Broadcaster.
//
// Basic usage:
//
//	store := kv.NewMemoryStore(time.Minute)
//	repo := repository.New(store, repository.Config{})
//	mgr := waypoint.New(repo,
//	    waypoint.WithDispatcher(dispatcher),
//	    waypoint.WithBroadcaster(stream.NewBroadcaster(stream.Config{})),
//	)
//
//	res, err := mgr.Create(ctx, formData, nil)
//	// executors call back as stages finish:
//	cpID, err := mgr.Checkpoint(ctx, res.SessionID, session.AgentContentPlanner, result)
//
// # Duplicate delivery
//
// Dispatchers deliver at least once, so stage callbacks may arrive more
// than once. A repeated completion returns session.ErrStaleStage and a
// mutation on a finished session returns session.ErrSessionTerminal. Both
// leave the session unchanged; IsNoop recognizes them.
//
// # Recovery
//
// A FAILED session with checkpoints can be resumed with Recover. Work
// restarts at the stage after the latest checkpoint; completed stages are
// never run again. With Config.AutoRecover set, FailStage recovers on its
// own while RetryCount is below MaxRetries.
//
// # Stalls
//
// Sweep fails sessions that have sat in one state longer than their
// MaxExecutionTime. RunSweeper calls it on an interval.
package waypoint
