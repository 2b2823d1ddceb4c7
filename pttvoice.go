// Package pttvoice implements push-to-talk voice over UDP.
//
// # Overview
//
// A recorded clip is encoded as 16-bit little-endian PCM, split into
// datagrams of at most max_payload_size audio bytes plus an 8-byte header,
// and sent fire-and-forget to a single peer. The receiving side reassembles
// fragments in any order, ignores duplicates, drops transfers that stall for
// longer than the reassembly timeout, and hands each completed clip to a
// renderer through a dispatcher running on one designated goroutine.
//
// # Organization
//
//   - github.com/localrivet/pttvoice/transport/udp: wire header, fragmentation, reassembly table, socket loops
//   - github.com/localrivet/pttvoice/audio: capture/render boundaries and PCM conversions
//   - github.com/localrivet/pttvoice/dispatch: main-goroutine task queue
//   - github.com/localrivet/pttvoice/transport/ws: WebSocket clip monitor
//   - github.com/localrivet/pttvoice/config: YAML/JSON configuration
//
// # Basic Usage
//
//	svc, err := pttvoice.New(config.Default(),
//	  pttvoice.WithCapturer(mic),
//	  pttvoice.WithRenderer(speaker),
//	)
//	if err != nil {
//	  log.Fatalf("Failed to create service: %v", err)
//	}
//	if err := svc.Start(); err != nil {
//	  log.Fatalf("Failed to start: %v", err)
//	}
//	defer svc.Stop()
//
//	// Button down / button up
//	svc.BeginRecording()
//	svc.EndRecordingAndSend()
//
//	// Playback runs here, never on the network goroutine
//	svc.Dispatcher().Run(ctx)
//
// # Wire Format
//
// Every datagram starts with messageId (uint32), totalFragments (uint16) and
// fragmentIndex (uint16), all little-endian, followed by raw PCM16LE bytes.
// There is no version byte, handshake or checksum.
package pttvoice
