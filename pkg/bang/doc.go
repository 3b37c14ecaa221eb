// Package bang recursively unpacks a binary and records what was found
// inside it.
//
// # Overview
//
// A scan starts from one input file. Every recognized structure becomes a
// node; containers and compressed streams yield children, which are scanned
// in turn until nothing new is found or a limit is hit. Each node is
// written to its own directory under the scan workspace:
//
//	<workspace>/md/<id[:2]>/<id>/record.json
//	<workspace>/scan.json    run summary
//	<workspace>/stats.json   per-parser counters
//	<workspace>/index.sqlite optional, see WithConfig and Config.Index
//
// # Quick Start
//
//	res, err := bang.Scan(ctx, "firmware.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	nodes, err := res.Nodes()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, n := range nodes {
//	    fmt.Println(n.Depth, n.Parser, n.Labels)
//	}
//
// # Executors
//
// Library scans run parsers in the calling process. Programs that want a
// wedged or crashing parser to take down only a helper process pass
// WithWorkerCommand; the command must run worker.Serve, as the hidden
// "bang worker" subcommand does.
package bang
