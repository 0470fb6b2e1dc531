package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/internal/config"
	"github.com/syrokomskyi/couchfine/internal/logging"
	"github.com/syrokomskyi/couchfine/internal/server/events"
	"github.com/syrokomskyi/couchfine/internal/services"
	"github.com/syrokomskyi/couchfine/pkg/couch"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

const Version = "0.1.0"

const usage = `couchfine document sync.

Settings come from config/config.yml, config/config.local.yml and the
environment (COUCH_URL, COUCH_USER, COUCH_PASSWORD, COUCH_JWT_SECRET, ...).

Usage:
    couchfine serve [--port=<port>] [--host=<host>]
    couchfine dbs [--url=<url>]
    couchfine push [--url=<url>] [--mode=<mode>] [--create-db] <db> <file>
    couchfine get [--url=<url>] <db> <id>
    couchfine view [--url=<url>] [--key=<key>] [--include-docs] [--limit=<n>] <db> <design> <view>
    couchfine watch [--nats=<url>] [--durable=<name>] [<db>]
    couchfine -h | --help
    couchfine --version

Options:
    -h --help         Show this screen.
    --version         Show version.
    --url=<url>       Store URL, overrides the configured client url.
    --port=<port>     Listen port of the development server.
    --host=<host>     Listen host of the development server.
    --mode=<mode>     create, skip or update [default: update].
    --create-db       Create the database when it does not exist.
    --key=<key>       Only rows with this key.
    --include-docs    Include documents in view rows.
    --limit=<n>       Maximum number of rows.
    --nats=<url>      NATS server of the change stream, overrides the configured url.
    --durable=<name>  Durable consumer name, resumes where it stopped.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		log.Fatal(err)
	}
	cfg := config.LoadConfig()
	if err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		log.WithError(err).Warn("logging setup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case flag(opts, "serve"):
		err = runServe(ctx, cfg, opts)
	case flag(opts, "watch"):
		err = watch(ctx, cfg, opts, os.Stdout)
	default:
		err = run(ctx, cfg, opts, os.Stdout)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runServe(ctx context.Context, cfg *config.Config, opts docopt.Opts) error {
	if p, _ := opts.String("--port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return errors.Wrapf(err, "port %q", p)
		}
		cfg.Server.Port = port
	}
	host, _ := opts.String("--host")

	mgr := services.NewManager(cfg, services.Options{RunServer: true, ListenHost: host})
	if err := mgr.Init(ctx); err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	return nil
}

// run executes the client commands.
func run(ctx context.Context, cfg *config.Config, opts docopt.Opts, out io.Writer) error {
	cc := cfg.Client.Couch()
	if u, _ := opts.String("--url"); u != "" {
		cc.URL = u
	}
	client, err := couch.Dial(ctx, cc)
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case flag(opts, "dbs"):
		names, err := client.ListDatabases(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	case flag(opts, "push"):
		return push(ctx, client, opts, out)
	case flag(opts, "get"):
		dbName, _ := opts.String("<db>")
		id, _ := opts.String("<id>")
		doc, err := client.Database(dbName).GetDocument(ctx, id, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, model.ObjectValue(doc).String())
		return nil
	case flag(opts, "view"):
		return view(ctx, client, opts, out)
	}
	return errors.New("no command")
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func push(ctx context.Context, client *couch.Client, opts docopt.Opts, out io.Writer) error {
	dbName, _ := opts.String("<db>")
	file, _ := opts.String("<file>")
	mode, _ := opts.String("--mode")

	pool, err := readPool(file)
	if err != nil {
		return err
	}
	if flag(opts, "--create-db") {
		exists, err := client.DatabaseExists(ctx, dbName)
		if err != nil {
			return err
		}
		if !exists {
			if err := client.CreateDatabase(ctx, dbName); err != nil {
				return err
			}
		}
	}

	var save *couch.Save
	switch mode {
	case "create":
		save = couch.CreateOnlyPool(pool)
	case "skip":
		save = couch.CreateOrSkipPool(pool)
	case "update", "":
		save = couch.CreateOrUpdatePool(pool)
	default:
		return errors.Wrapf(model.ErrInvalidArgument, "unknown mode %q", mode)
	}

	report, err := client.Database(dbName).Sync(ctx, save)
	if report != nil {
		for _, ref := range report.Written {
			fmt.Fprintf(out, "written %s %s\n", ref.ID, ref.Rev)
		}
		for _, s := range report.Skipped {
			fmt.Fprintf(out, "skipped %s %s\n", s.ID, s.Error)
		}
	}
	return err
}

// readPool reads a JSON array of documents, a {"docs": [...]} envelope or a
// single document.
func readPool(file string) (*model.Pool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	v, err := model.Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	items := []model.Value{v}
	switch {
	case v.IsArray():
		arr, _ := v.AsArray()
		items = arr.Items()
	case v.IsObject():
		o, _ := v.AsObject()
		if docs, err := o.GetArray("docs"); err == nil && o.Len() == 1 {
			items = docs.Items()
		}
	}

	pool := model.NewPool()
	for i, item := range items {
		doc, err := item.AsObject()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: document %d", file, i)
		}
		pool.Add(doc)
	}
	return pool, nil
}

func view(ctx context.Context, client *couch.Client, opts docopt.Opts, out io.Writer) error {
	dbName, _ := opts.String("<db>")
	v := &couch.View{IncludeDocs: flag(opts, "--include-docs")}
	v.Design, _ = opts.String("<design>")
	v.Name, _ = opts.String("<view>")
	v.Key, _ = opts.String("--key")
	if l, _ := opts.String("--limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return errors.Wrapf(model.ErrInvalidArgument, "limit %q", l)
		}
		v.Limit = n
	}
	if !client.Database(dbName).Load(ctx, v) {
		return v.Err
	}
	for _, r := range v.Rows {
		line := fmt.Sprintf("%s\t%s\t%s", r.ID, r.Key.String(), r.Value.String())
		if r.Doc != nil {
			line += "\t" + model.ObjectValue(r.Doc).String()
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// watch prints the change events of the server's stream, optionally of one
// database only.
func watch(ctx context.Context, cfg *config.Config, opts docopt.Opts, out io.Writer) error {
	url := cfg.Events.NatsURL
	if u, _ := opts.String("--nats"); u != "" {
		url = u
	}
	if url == "" {
		return errors.Wrap(model.ErrInvalidArgument, "no nats url configured")
	}
	nc, err := nats.Connect(url, nats.Name("couchfine-watch"))
	if err != nil {
		return errors.Wrapf(err, "connect to nats %s", url)
	}
	defer nc.Close()

	dbName, _ := opts.String("<db>")
	durable, _ := opts.String("--durable")
	consumer, err := events.NewConsumer(nc, cfg.Events.SubjectPrefix, durable, printChange(dbName, out))
	if err != nil {
		return err
	}
	return consumer.Start(ctx)
}

func printChange(dbName string, out io.Writer) events.Handler {
	return func(ctx context.Context, ev *events.ChangeEvent) error {
		if dbName != "" && ev.DB != dbName {
			return nil
		}
		state := "updated"
		if ev.Deleted {
			state = "deleted"
		}
		_, err := fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ev.DB, ev.ID, ev.Rev, state)
		return err
	}
}
