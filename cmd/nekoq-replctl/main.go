package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/meidoworks/nekoq-replicator/client"
	"github.com/meidoworks/nekoq-replicator/internal/service"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var (
	adminAddr   string
	serviceAddr string
	password    string
)

func init() {
	flag.StringVar(&adminAddr, "admin", "http://127.0.0.1:9301", "-admin=http://127.0.0.1:9301")
	flag.StringVar(&serviceAddr, "service", "http://127.0.0.1:9300", "-service=http://127.0.0.1:9300")
	flag.StringVar(&password, "password", os.Getenv("NEKOQ_REPLICATOR_ADMIN_PASSWORD"), "-password=secret")
	flag.Usage = usage
}

func usage() {
	_, _ = fmt.Fprintln(flag.CommandLine.Output(), `usage: nekoq-replctl [flags] <command> [args]

commands:
  status                          lazy engine status
  placements <table>              partition placements of a table
  replicate                       re-sync every lazy placement
  replicate-table <table> [adapter]
  replicate-adapter <adapter>
  capture <true|false>            toggle change capture
  automatic <true|false>          toggle background delivery
  dml <file.json>                 run a modification read from a json file

flags:`)
	flag.PrintDefaults()
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	admin := client.NewAdminClient(adminAddr, password)
	switch cmd {
	case "status":
		return show(admin.Status())
	case "placements":
		if len(args) != 1 {
			return fmt.Errorf("placements requires a table")
		}
		return show(admin.Placements(args[0]))
	case "replicate":
		return done(admin.ReplicateAll())
	case "replicate-table":
		switch len(args) {
		case 1:
			return done(admin.ReplicateTable(args[0]))
		case 2:
			adapter, err := parseAdapter(args[1])
			if err != nil {
				return err
			}
			return done(admin.ReplicateTableOnAdapter(args[0], adapter))
		default:
			return fmt.Errorf("replicate-table requires a table and an optional adapter")
		}
	case "replicate-adapter":
		if len(args) != 1 {
			return fmt.Errorf("replicate-adapter requires an adapter")
		}
		adapter, err := parseAdapter(args[0])
		if err != nil {
			return err
		}
		return done(admin.ReplicateAdapter(adapter))
	case "capture", "automatic":
		if len(args) != 1 {
			return fmt.Errorf("%s requires true or false", cmd)
		}
		enabled, err := strconv.ParseBool(args[0])
		if err != nil {
			return err
		}
		if cmd == "capture" {
			return show(admin.SetCapture(enabled))
		}
		return show(admin.SetAutomatic(enabled))
	case "dml":
		if len(args) != 1 {
			return fmt.Errorf("dml requires a json file")
		}
		dat, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		req := new(service.DmlRequest)
		if err := json.Unmarshal(dat, req); err != nil {
			return err
		}
		return show(client.NewAdminClient(serviceAddr, password).Dml(req))
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseAdapter(s string) (shared.AdapterId, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid adapter id %q", s)
	}
	return shared.AdapterId(id), nil
}

func show[T any](v T, err error) error {
	if err != nil {
		return err
	}
	dat, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(dat))
	return nil
}

func done(err error) error {
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
