// Package device provides the printer session layer of printgate.
//
// It owns the capability interface every protocol backend implements, the
// per-device session state machine, the concurrent registry, the command
// dispatcher and the status aggregator.
//
// # Architecture
//
//	discovery.Feed ──Announcement──▶ Registry.Upsert
//	                                     │
//	                                     ▼
//	API ──Command──▶ Dispatcher ──▶ Session loop ──▶ Backend Conn
//	                                  │    ▲
//	                    StatusUpdate  │    │ snapshots
//	                                  ▼    │
//	                             Aggregator ──▶ listeners (ws, mqtt, influx)
//
// # Session states
//
//	Discovered ─▶ Connecting ─▶ Connected ⇄ Busy
//	                 ▲   │          │        │
//	                 │   ▼          ▼        ▼
//	                 └─ Error ◀─────┴────────┘
//	                     │
//	                     ▼ (attempt ceiling)
//	                Disconnected ─▶ Connecting (re-announce or Connect)
//
// # Key Types
//
//   - Backend, Conn: the capability interface (network, moonraker, serial)
//   - Session: one actor goroutine per device owning state, queue and connection
//   - Registry: identity to session map with per-entry synchronisation
//   - Dispatcher: submit, await, poll and cancel by correlation ID
//   - Aggregator: non-blocking fan-out of StatusUpdate to listeners
//
// # Usage
//
//	agg := device.NewAggregator(nil)
//	reg := device.NewRegistry(device.RegistryOptions{
//	    Backends: []device.Backend{bambuBackend, moonrakerBackend, serialBackend},
//	    Session:  device.SessionOptions{AutoConnect: true},
//	    Publish:  agg.Publish,
//	    Logger:   log,
//	})
//	defer reg.Close(ctx)
//
//	go reg.Consume(ctx, feed.Announcements())
//
//	disp := device.NewDispatcher(reg, device.DispatcherOptions{})
//	res, err := disp.Execute(ctx, "network:192.168.1.40", device.Command{Kind: device.CmdPause})
//
// # Thread Safety
//
// All exported types are safe for concurrent use. A session never runs two
// commands at once; commands to different devices run in parallel.
package device
