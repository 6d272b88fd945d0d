// Command oml2 is the measurement collection server: it loads its
// configuration, opens the configured Database backend, and accepts
// injection-point connections, handing each one a Session bound to that
// Database.
//
// The textual measurement wire protocol and the TCP event-loop framing it
// rides on are out of scope for this repository; decodeDemoProtocol
// below is the seam a real deployment plugs its parser into. The bundled
// decoder only demonstrates the composition: it treats each
// newline-terminated line as "register <table> <field...>" or
// "insert <table> <ts_client> <value...>" for double-only schemas,
// enough to exercise Session/Database end-to-end
// without pretending to be the real protocol.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"oml2/config"
	"oml2/dba"
	"oml2/dba/postgres"
	"oml2/dba/sqlite"
	"oml2/internal/logging"
	"oml2/schema"
	"oml2/session"
)

var log = logging.New("main")

func main() {
	configPath := flag.String("config", "config.yaml", "path to server configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oml2: %v\n", err)
		os.Exit(1)
	}
	cfg.Print()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Errorf("open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Infof("database ready at %s", db.URI())

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Errorf("listen %s: %v", cfg.Listen, err)
		os.Exit(1)
	}
	log.Infof("listening on %s", cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return acceptLoop(gctx, ln, db)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Errorf("server: %v", err)
	}
	log.Infof("shutting down")
}

func openDatabase(ctx context.Context, cfg *config.Config) (*dba.Database, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return dba.Open(ctx, postgres.New(), dba.Config{
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			DBName:         cfg.Postgres.DBName,
			ConnInfo:       cfg.Postgres.ConnInfo,
			CommitInterval: cfg.CommitInterval(),
		})
	case config.BackendSQLite:
		return dba.Open(ctx, sqlite.New(), dba.Config{
			Path:           cfg.SQLite.Path,
			CommitInterval: cfg.CommitInterval(),
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// acceptLoop accepts injection-point connections until ctx is cancelled,
// handing each one its own Session and goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, db *dba.Database) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConnection(conn, db)
	}
}

func handleConnection(conn net.Conn, db *dba.Database) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	sess := session.New(db, remote)
	log.Infof("session %s: connected from %s", sess.ID, remote)
	defer log.Infof("session %s: disconnected", sess.ID)

	if err := decodeDemoProtocol(conn, sess); err != nil {
		log.Warnf("session %s: %v", sess.ID, err)
	}
}

// decodeDemoProtocol is the stand-in wire decoder described in the package
// doc comment: "register <table> <field>...\n" declares a double-valued
// schema, "insert <table> <ts_client> <v...>\n" inserts a row under the
// session's own sender identity. A real deployment's textual measurement
// protocol parser replaces this function entirely; it is not part of the
// core this repository covers.
func decodeDemoProtocol(conn net.Conn, sess *session.Session) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "register":
			if len(fields) < 3 {
				continue
			}
			sch, err := demoSchema(fields[1], fields[2:])
			if err != nil {
				log.Warnf("session %s: register: %v", sess.ID, err)
				continue
			}
			if err := sess.RegisterSchema(sch); err != nil {
				log.Warnf("session %s: register: %v", sess.ID, err)
			}
		case "insert":
			if len(fields) < 3 {
				continue
			}
			table := fields[1]
			tsClient, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				continue
			}
			values := make([]schema.Value, 0, len(fields)-3)
			for _, tok := range fields[3:] {
				v, err := strconv.ParseFloat(tok, 64)
				if err != nil {
					continue
				}
				values = append(values, schema.Double(v))
			}
			sess.Insert(table, tsClient, values)
		}
	}
	return scanner.Err()
}

func demoSchema(name string, fieldNames []string) (*schema.Schema, error) {
	fields := make([]schema.Field, len(fieldNames))
	for i, n := range fieldNames {
		fields[i] = schema.Field{Name: n, Type: schema.TypeDouble}
	}
	return schema.New(name, fields)
}
