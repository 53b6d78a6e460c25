package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/neur0map/deskmon/internal/config"
	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/crypto"
	"github.com/neur0map/deskmon/internal/database"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands = map[string]command{
	"add-target": {
		usage: "deskmon add-target --name <name> --host <host> [--port 22] --user <user> [--password <pw>] [--service-port 7654]",
		run:   addTarget,
	},
	"remove-target": {
		usage: "deskmon remove-target --name <name>",
		run:   removeTarget,
	},
	"set-password": {
		usage: "deskmon set-password --name <name> --password <pw>",
		run:   setPassword,
	},
	"list-targets": {
		usage: "deskmon list-targets",
		run:   listTargets,
	},
}

// errUsage makes runCLICommand print the command's usage line.
var errUsage = errors.New("invalid arguments")

func runCLICommand(name string, cmd command, args []string) int {
	config.Load()
	if err := database.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Database init: %v\n", err)
		return 1
	}
	defer database.Close()

	if err := cmd.run(args); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage: %s\n", cmd.usage)
			return 2
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

func addTarget(args []string) error {
	fs := pflag.NewFlagSet("add-target", pflag.ContinueOnError)
	name := fs.String("name", "", "Display name")
	host := fs.String("host", "", "SSH host")
	port := fs.Int("port", 22, "SSH port")
	user := fs.String("user", "", "SSH username")
	password := fs.String("password", "", "SSH password")
	servicePort := fs.Int("service-port", config.Cfg.ServicePort, "Collector port on the remote host")
	disabled := fs.Bool("disabled", false, "Add without monitoring it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *host == "" || *user == "" {
		return errUsage
	}

	t := database.Target{
		Name:        *name,
		Host:        *host,
		Port:        *port,
		Username:    *user,
		ServicePort: *servicePort,
		Enabled:     !*disabled,
	}
	if err := database.CreateTarget(&t); err != nil {
		return err
	}
	if *password != "" {
		if err := credstore.New().SavePassword(t.ID, *password); err != nil {
			return err
		}
	}
	fmt.Printf("Target '%s' added (id %d).\n", t.Name, t.ID)
	return nil
}

func removeTarget(args []string) error {
	fs := pflag.NewFlagSet("remove-target", pflag.ContinueOnError)
	name := fs.String("name", "", "Target name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errUsage
	}

	t, err := database.GetTargetByName(*name)
	if err != nil {
		return fmt.Errorf("target '%s' not found", *name)
	}
	if err := database.DeleteTarget(t.ID); err != nil {
		return err
	}
	fmt.Printf("Target '%s' removed.\n", t.Name)
	return nil
}

func setPassword(args []string) error {
	fs := pflag.NewFlagSet("set-password", pflag.ContinueOnError)
	name := fs.String("name", "", "Target name")
	password := fs.String("password", "", "New SSH password")
	forgetKey := fs.Bool("forget-key", false, "Also drop the enrolled key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *password == "" {
		return errUsage
	}

	t, err := database.GetTargetByName(*name)
	if err != nil {
		return fmt.Errorf("target '%s' not found", *name)
	}
	store := credstore.New()
	if err := store.SavePassword(t.ID, *password); err != nil {
		return err
	}
	if *forgetKey {
		if err := store.ForgetKey(t.ID); err != nil {
			return err
		}
	}
	fmt.Printf("Password updated for '%s'. A running service applies it when the target is restarted.\n", t.Name)
	return nil
}

func listTargets(args []string) error {
	targets, err := database.ListTargets()
	if err != nil {
		return err
	}
	store := credstore.New()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tSERVICE\tENABLED\tPASSWORD\tKEY")
	for _, t := range targets {
		set, err := store.Load(t.ID)
		if err != nil {
			return err
		}
		key := "-"
		if set.HasKey() {
			key = "enrolled"
		}
		fmt.Fprintf(w, "%d\t%s\t%s@%s:%d\t%d\t%v\t%s\t%s\n",
			t.ID, t.Name, t.Username, t.Host, t.Port, t.ServicePort, t.Enabled, crypto.Mask(set.Password), key)
	}
	return w.Flush()
}
