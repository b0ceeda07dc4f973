// Command portkeepctl edits the portkeep rule file. The daemon picks up the
// change on its next reload signal or full sweep; portkeepctl never talks to
// the gateway itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/portkeep/portkeep/internal/config"
)

const usageText = `Usage: portkeepctl [-config FILE] COMMAND [ARGS]

Commands:
  add PORT [-protocol tcp|udp] [-external-port PORT]
        Declare a forwarding rule. Replaces an existing rule with the
        same external port and protocol.
  del PORT [-protocol tcp|udp] [-external-port PORT]
        Withdraw a forwarding rule.
  list  Print the declared rules.
`

func main() {
	configFile := flag.String("config", "", "Path to configuration file (default: search path)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := *configFile
	if path == "" {
		search := config.DefaultSearchPath()
		if found, err := config.Find(search); err == nil {
			path = found
		} else {
			// Nothing on the search path yet: add creates the
			// user-level file, everything else needs one to exist.
			path = search[1]
		}
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "add":
		err = runAdd(path, flag.Args()[1:])
	case "del":
		err = runDel(path, flag.Args()[1:])
	case "list":
		err = runList(path)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "portkeepctl: %v\n", err)
		os.Exit(1)
	}
}

// parseRuleArgs parses "PORT [-protocol P] [-external-port N]" into a rule
// entry with the external port defaulted to the internal one.
func parseRuleArgs(name string, args []string) (config.RuleConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	protocol := fs.String("protocol", "tcp", "Rule protocol (tcp or udp)")
	externalPort := fs.Int("external-port", 0, "External port (default: same as PORT)")
	if err := fs.Parse(args); err != nil {
		return config.RuleConfig{}, err
	}
	if fs.NArg() != 1 {
		return config.RuleConfig{}, fmt.Errorf("%s requires exactly one PORT argument", name)
	}

	var port int
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &port); err != nil {
		return config.RuleConfig{}, fmt.Errorf("invalid port %q", fs.Arg(0))
	}

	rc := config.RuleConfig{Port: port, ExternalPort: *externalPort, Protocol: *protocol}
	if _, err := rc.Rule(); err != nil {
		return config.RuleConfig{}, err
	}
	return rc, nil
}

func runAdd(path string, args []string) error {
	rc, err := parseRuleArgs("add", args)
	if err != nil {
		return err
	}
	rule, _ := rc.Rule()

	cfg, err := config.ReadRaw(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range cfg.Rules {
		if sameKey(existing, rc) {
			cfg.Rules[i] = rc
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Rules = append(cfg.Rules, rc)
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	if replaced {
		fmt.Printf("Replaced rule %s in %s\n", rule, path)
	} else {
		fmt.Printf("Added rule %s to %s\n", rule, path)
	}
	return nil
}

func runDel(path string, args []string) error {
	rc, err := parseRuleArgs("del", args)
	if err != nil {
		return err
	}
	rule, _ := rc.Rule()

	cfg, err := config.ReadRaw(path)
	if err != nil {
		return err
	}

	kept := cfg.Rules[:0]
	removed := false
	for _, existing := range cfg.Rules {
		if sameKey(existing, rc) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return fmt.Errorf("no rule %s in %s", rule, path)
	}
	cfg.Rules = kept

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Removed rule %s from %s\n", rule, path)
	return nil
}

func runList(path string) error {
	cfg, err := config.ReadRaw(path)
	if err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		fmt.Printf("No rules declared in %s\n", path)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTERNAL\tPROTOCOL\tINTERNAL")
	for _, rc := range cfg.Rules {
		rule, err := rc.Rule()
		if err != nil {
			fmt.Fprintf(w, "-\t-\t- (invalid: %v)\n", err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%d\n", rule.ExternalPort, rule.Protocol, rule.InternalPort)
	}
	return w.Flush()
}

// sameKey reports whether two entries claim the same external port and
// protocol, which is the identity the gateway keys mappings by.
func sameKey(a, b config.RuleConfig) bool {
	ra, err := a.Rule()
	if err != nil {
		return false
	}
	rb, err := b.Rule()
	if err != nil {
		return false
	}
	return ra.Key() == rb.Key()
}
