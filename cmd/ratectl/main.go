package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Noxie-dev/jobrite.com/pkg/rates"
	"github.com/Noxie-dev/jobrite.com/pkg/store"
	"github.com/Noxie-dev/jobrite.com/pkg/taxcalc"

	"github.com/shopspring/decimal"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "init":
		return initStore(args[1:], out)
	case "seal":
		return sealFile(args[1:], out)
	case "verify":
		return verifyFile(args[1:], out)
	case "list-versions":
		return listVersions(args[1:], out)
	case "export":
		return exportVersion(args[1:], out)
	case "update":
		return updateRates(args[1:], out)
	case "rollback":
		return rollbackVersion(args[1:], out)
	case "net-salary":
		return netSalary(args[1:], out)
	case "flag-enable":
		return setFlagEnabled(args[1:], out, true)
	case "flag-disable":
		return setFlagEnabled(args[1:], out, false)
	case "set-percentage":
		return setPercentage(args[1:], out)
	case "emergency-disable":
		return emergencyDisable(args[1:], out)
	case "canary-status":
		return canaryStatus(args[1:], out)
	case "promote-canary":
		return promoteCanary(args[1:], out)
	case "slo-status":
		return sloStatus(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "ratectl commands:")
	fmt.Fprintln(out, "  init --dir ./data/rates")
	fmt.Fprintln(out, "  seal --in rates.json --out rates.sealed.json")
	fmt.Fprintln(out, "  verify --file rates.sealed.json")
	fmt.Fprintln(out, "  list-versions --dir ./data/rates")
	fmt.Fprintln(out, "  export --dir ./data/rates [--version 2025.1.0] [--out rates.json]")
	fmt.Fprintln(out, "  update --dir ./data/rates --file rates.sealed.json [--verify-only]")
	fmt.Fprintln(out, "  rollback --dir ./data/rates --version 2025.1.0")
	fmt.Fprintln(out, "  net-salary --dir ./data/rates --gross 30000 --age under_65")
	fmt.Fprintln(out, "  flag-enable --flag new_tax_engine [--addr http://localhost:8080]")
	fmt.Fprintln(out, "  flag-disable --flag new_tax_engine")
	fmt.Fprintln(out, "  set-percentage --flag enhanced_error_handling --percent 75")
	fmt.Fprintln(out, "  emergency-disable --flag new_tax_engine --reason \"bad canary\"")
	fmt.Fprintln(out, "  canary-status --flag new_tax_engine")
	fmt.Fprintln(out, "  promote-canary --flag new_tax_engine [--force]")
	fmt.Fprintln(out, "  slo-status")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func openEngine(dir string) (*rates.Engine, error) {
	vs, err := rates.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open version store: %w", err)
	}
	return rates.NewEngine(vs, store.NewMemoryCache()), nil
}

func initStore(args []string, out io.Writer) error {
	fs := newFlagSet("init")
	dir := fs.String("dir", "./data/rates", "version store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	cfg := rates.Default2025()
	if err := engine.SaveConfiguration(context.Background(), cfg, true); err != nil {
		return fmt.Errorf("seed default tables: %w", err)
	}
	fmt.Fprintf(out, "initialized %s with version %s\n", *dir, cfg.Version)
	return nil
}

func sealFile(args []string, out io.Writer) error {
	fs := newFlagSet("seal")
	inPath := fs.String("in", "", "unsealed rates json")
	outPath := fs.String("out", "rates.sealed.json", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("in required")
	}

	raw, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read rates: %w", err)
	}
	cfg, err := rates.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse rates: %w", err)
	}
	if err := rates.ValidateBusinessRules(cfg); err != nil {
		return fmt.Errorf("validate rates: %w", err)
	}
	if err := cfg.Seal(); err != nil {
		return fmt.Errorf("seal rates: %w", err)
	}
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sealed rates: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write sealed rates: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (version %s, checksum %s)\n", *outPath, cfg.Version, cfg.Checksum)
	return nil
}

func verifyFile(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	filePath := fs.String("file", "", "sealed rates json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" {
		return errors.New("file required")
	}

	raw, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read rates: %w", err)
	}
	cfg, err := rates.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse rates: %w", err)
	}
	if !cfg.VerifyIntegrity() {
		return fmt.Errorf("verify rates: checksum mismatch for version %s", cfg.Version)
	}
	if err := rates.ValidateBusinessRules(cfg); err != nil {
		return fmt.Errorf("validate rates: %w", err)
	}
	fmt.Fprintf(out, "version %s verified (checksum %s)\n", cfg.Version, cfg.Checksum)
	return nil
}

func listVersions(args []string, out io.Writer) error {
	fs := newFlagSet("list-versions")
	dir := fs.String("dir", "./data/rates", "version store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	ctx := context.Background()
	versions, err := engine.ListAvailableVersions(ctx)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	current := engine.GetCurrentRates(ctx).Version
	for _, v := range versions {
		marker := " "
		if v == current {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, v)
	}
	return nil
}

func exportVersion(args []string, out io.Writer) error {
	fs := newFlagSet("export")
	dir := fs.String("dir", "./data/rates", "version store directory")
	version := fs.String("version", "", "version to export, current when empty")
	outPath := fs.String("out", "", "output path, stdout when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	ctx := context.Background()
	var cfg *rates.Config
	if *version == "" {
		cfg = engine.GetCurrentRates(ctx)
	} else {
		cfg, err = engine.LoadVersion(ctx, *version)
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}
	}
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rates: %w", err)
	}
	if *outPath == "" {
		fmt.Fprintln(out, string(encoded))
		return nil
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write rates: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func updateRates(args []string, out io.Writer) error {
	fs := newFlagSet("update")
	dir := fs.String("dir", "./data/rates", "version store directory")
	filePath := fs.String("file", "", "sealed rates json")
	verifyOnly := fs.Bool("verify-only", false, "validate without publishing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" {
		return errors.New("file required")
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read rates: %w", err)
	}
	updater := &rates.Updater{Engine: engine, ShadowCompare: taxcalc.CompareConfigs}
	result, err := updater.UpdateRates(context.Background(), raw, *verifyOnly)
	if err != nil {
		return fmt.Errorf("update rates: %w", err)
	}
	if result.VerifiedOnly {
		fmt.Fprintf(out, "version %s verified, not published\n", result.NewVersion)
		return nil
	}
	fmt.Fprintf(out, "published %s (was %s)\n", result.NewVersion, result.PreviousVersion)
	for _, diff := range result.Comparison {
		fmt.Fprintf(out, "  income %s: tax %s -> %s (delta %s)\n", diff.Income, diff.OldTax, diff.NewTax, diff.Delta)
	}
	return nil
}

func rollbackVersion(args []string, out io.Writer) error {
	fs := newFlagSet("rollback")
	dir := fs.String("dir", "./data/rates", "version store directory")
	version := fs.String("version", "", "version to restore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version == "" {
		return errors.New("version required")
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	updater := &rates.Updater{Engine: engine}
	result, err := updater.Rollback(context.Background(), *version)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	fmt.Fprintf(out, "rolled back to %s (was %s)\n", result.NewVersion, result.PreviousVersion)
	return nil
}

func netSalary(args []string, out io.Writer) error {
	fs := newFlagSet("net-salary")
	dir := fs.String("dir", "./data/rates", "version store directory")
	gross := fs.String("gross", "", "gross monthly salary")
	age := fs.String("age", rates.AgeUnder65, "age category")
	members := fs.Int("medical-members", 0, "medical aid members")
	pension := fs.String("pension", "", "pension percent of gross")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gross == "" {
		return errors.New("gross required")
	}

	engine, err := openEngine(*dir)
	if err != nil {
		return err
	}
	grossMonthly, err := taxcalc.ParseAmount("gross", *gross)
	if err != nil {
		return err
	}
	pensionPct, err := taxcalc.ParsePercentage("pension", *pension, decimal.RequireFromString("27.5"))
	if err != nil {
		return err
	}
	calc := taxcalc.New(engine)
	result, err := calc.NetSalary(context.Background(), taxcalc.NetSalaryInput{
		GrossMonthly:   grossMonthly,
		AgeCategory:    *age,
		IncludeMedical: *members > 0,
		MedicalMembers: *members,
		PensionPercent: pensionPct,
	})
	if err != nil {
		return fmt.Errorf("net salary: %w", err)
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
