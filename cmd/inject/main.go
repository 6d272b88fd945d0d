// Command inject is a standalone injection-point sample generator: it
// opens a BufferedWriter over a collection URI (file/flush/tcp, optionally
// zlib-wrapped) and streams synthetic measurement lines into it, matching
// the demo wire format main.go's server decoder understands. It mirrors
// this codebase's other small, single-purpose cmd/ utilities rather than
// living in the server binary.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"oml2/buffer"
	"oml2/outstream"
	"oml2/uri"
)

func main() {
	target := flag.String("uri", "tcp:localhost:3003", "collection uri: [proto:]path[:service]")
	table := flag.String("table", "cpu", "measurement table name")
	rate := flag.Duration("interval", 100*time.Millisecond, "delay between samples")
	capacity := flag.Int("queue-bytes", 1<<20, "BufferedWriter queue capacity in bytes")
	chunks := flag.Int("chunks", 16, "BufferedWriter chunk count")
	zlib := flag.Bool("zlib", false, "wrap the outgoing stream in gzip-framed deflate")
	flag.Parse()

	out, err := openOutStream(*target, *zlib)
	if err != nil {
		log.Fatalf("inject: %v", err)
	}

	bw := buffer.Create(out, *capacity, *chunks)
	defer bw.Close(5 * time.Second)

	header := fmt.Sprintf("register %s load\n", *table)
	if _, err := bw.PushMeta([]byte(header)); err != nil {
		log.Fatalf("inject: push_meta: %v", err)
	}

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	for range ticker.C {
		line := fmt.Sprintf("insert %s %.6f %.4f\n", *table, nowSeconds(), rand.Float64()*100)
		if _, err := bw.Push([]byte(line), false); err != nil {
			log.Printf("inject: push: %v", err)
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// openOutStream builds the OutStream variant named by a collection URI,
// optionally wrapped in the zlib sink.
func openOutStream(rawURI string, zlibWrap bool) (outstream.OutStream, error) {
	parsed, err := uri.Parse(rawURI)
	if err != nil {
		return nil, err
	}
	if parsed.Warning != "" {
		log.Printf("inject: %s", parsed.Warning)
	}

	var out outstream.OutStream
	switch parsed.Protocol {
	case string(uri.ProtoFile):
		out, err = outstream.NewFileSink(parsed.Path, false)
	case string(uri.ProtoFlush):
		out, err = outstream.NewFileSink(parsed.Path, true)
	case string(uri.ProtoTCP), "":
		out, err = outstream.NewTCPSink(hostPort(parsed.Parsed))
	case string(uri.ProtoUDP):
		out, err = outstream.NewUDPSink(hostPort(parsed.Parsed))
	default:
		return nil, fmt.Errorf("inject: unsupported protocol %q", parsed.Protocol)
	}
	if err != nil {
		return nil, err
	}
	if zlibWrap {
		out = outstream.NewZlibSink(out)
	}
	return out, nil
}

func hostPort(p uri.Parsed) string {
	if p.Port == "" {
		return p.Path
	}
	return net.JoinHostPort(p.Path, p.Port)
}
