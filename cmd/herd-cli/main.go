package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"herd/internal/config"
	"herd/pkg/store"
)

const usage = `usage: herd-cli [-config file] <command> [flags]

commands:
  agents            list the live herd agents published by the shepherd
  units             list experimental units and their state
  log -unit <name>  print the monitoring log of a unit
  watch             follow unit state changes
`

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string, out io.Writer) error {
	// --- 1. 加载配置 ---
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != "etcd" {
		return errors.New("herd-cli reads the shepherd's results from etcd; set store.backend to etcd")
	}

	// --- 2. 连接 Etcd ---
	st, err := store.NewEtcdManager(cfg.Store.Endpoints, cfg.Store.DialTimeout, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	return dispatch(st, cfg.Store.RequestTimeout, args, out)
}

// dispatch 执行子命令
func dispatch(st store.Store, timeout time.Duration, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "agents":
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return listAgents(ctx, st, out)

	case "units":
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return listUnits(ctx, st, out)

	case "log":
		fs := flag.NewFlagSet("log", flag.ContinueOnError)
		unit := fs.String("unit", "", "Unit name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *unit == "" {
			return errors.New("log: -unit is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return printLog(ctx, st, *unit, out)

	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watch(ctx, st, out)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func listAgents(ctx context.Context, st store.Store, out io.Writer) error {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tPROCESSOR ID\tPROCESSOR\tCUDA\tMEMORY\tLOAD\tVERSION\tSTATE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.IP(), a.ProcessorID(), a.FormattedProcessorInfo(), a.CUDA(),
			a.MemoryGB(), a.ProcessorLoad(), a.Version(), a.State())
	}
	return w.Flush()
}

func listUnits(ctx context.Context, st store.Store, out io.Writer) error {
	units, err := st.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tSTATE\tAGENT\tPROGRESS\tATTEMPTS\tUPDATED\tERROR")
	for _, u := range units {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%s\t%s\n",
			u.Unit, u.State, u.Agent, u.Progress, u.Attempts, u.UpdatedAt.Format(time.TimeOnly), u.Error)
	}
	return w.Flush()
}

func printLog(ctx context.Context, st store.Store, unit string, out io.Writer) error {
	log, err := st.GetUnitLog(ctx, unit)
	if err != nil {
		return fmt.Errorf("get log of %s: %w", unit, err)
	}
	fmt.Fprintf(out, "\n📄 Log for unit [%s]:\n", unit)
	fmt.Fprintln(out, "================================================")
	fmt.Fprintln(out, log)
	fmt.Fprintln(out, "================================================")
	return nil
}

func watch(ctx context.Context, st store.Store, out io.Writer) error {
	for ev := range st.WatchUnits(ctx) {
		if ev.Type == store.UnitDelete {
			fmt.Fprintf(out, "%s  %-20s deleted\n", time.Now().Format(time.TimeOnly), ev.Unit)
			continue
		}
		r := ev.Result
		fmt.Fprintf(out, "%s  %-20s %-14s %5.1f%%  %s %s\n",
			r.UpdatedAt.Format(time.TimeOnly), r.Unit, r.State, r.Progress, r.Agent, r.Error)
	}
	return nil
}
