// Package setup implements the interactive configuration wizard.
package setup

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/payledger/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers raw wizard input.
type answers struct {
	receiveAddress string
	apiURL         string
	backend        string
	dir            string
	dsn            string
	minAmount      string
	pollInterval   string
	intentTTL      string
	listenAddr     string
	policy         []string
}

func defaultAnswers() answers {
	def := config.Default()
	return answers{
		apiURL:       def.Chain.APIURL,
		backend:      def.Storage.Backend,
		dir:          def.Storage.Dir,
		minAmount:    def.MinAmount.String(),
		pollInterval: def.PollInterval.String(),
		intentTTL:    "0s",
		listenAddr:   def.ListenAddr,
	}
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	step := func(title string) {
		fmt.Print("\033[H\033[2J") // clear screen
		fmt.Println(headerStyle.Render("PAYLEDGER CONFIG WIZARD"))
		fmt.Println(stepStyle.Render(title))
	}

	step("STEP 1: RECEIVING WALLET")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Payments are matched against transfers to this address.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("TON receive address").
				Description("User-friendly (EQ.../UQ...) or raw (0:abcd...) form").
				Value(&a.receiveAddress).
				Validate(validateAddress),
			huh.NewInput().
				Title("TON Center API URL").
				Value(&a.apiURL),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: STORAGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("Write-ahead log (default)", "wal"),
					huh.NewOption("SQLite", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
					huh.NewOption("In-memory (testing only)", "memory"),
				).
				Value(&a.backend),
		),
	).Run()
	if err != nil {
		return err
	}

	var storageField huh.Field
	if a.backend == "postgres" {
		storageField = huh.NewInput().
			Title("PostgreSQL DSN").
			Description("Leave empty to read it from " + config.EnvStorageDSN).
			Value(&a.dsn)
	} else {
		storageField = huh.NewInput().
			Title("Data directory").
			Value(&a.dir)
	}
	if err := huh.NewForm(huh.NewGroup(storageField)).Run(); err != nil {
		return err
	}

	step("STEP 3: MATCHING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Minimum payment (TON)").
				Value(&a.minAmount).
				Validate(validateMinAmount),
			huh.NewMultiSelect[string]().
				Title("Extra matching rules").
				Description("Amount is always checked").
				Options(
					huh.NewOption("Require memo (comment) in the transfer", "memo"),
					huh.NewOption("Require the declared sender wallet", "wallet"),
				).
				Value(&a.policy),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 4: TIMING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Poll interval for pending payments").
				Description("Duration string (e.g. 30s, 1m)").
				Value(&a.pollInterval).
				Validate(validateDuration),
			huh.NewInput().
				Title("Intent expiry").
				Description("0s keeps intents pending forever").
				Value(&a.intentTTL).
				Validate(validateDuration),
			huh.NewInput().
				Title("Listen address").
				Value(&a.listenAddr),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg, err := a.toConfig()
	if err != nil {
		return err
	}

	step("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(cfg)))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	if err := config.Write(path, cfg); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	if cfg.Chain.APIKey == "" {
		fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set " + config.EnvTonCenterAPIKey + " to use an API key."))
	}
	return nil
}

func (a answers) toConfig() (config.Config, error) {
	cfg := config.Default()

	cfg.Chain.ReceiveAddress = strings.TrimSpace(a.receiveAddress)
	if url := strings.TrimSpace(a.apiURL); url != "" {
		cfg.Chain.APIURL = url
	}
	cfg.Storage.Backend = a.backend
	if dir := strings.TrimSpace(a.dir); dir != "" {
		cfg.Storage.Dir = dir
	}
	cfg.Storage.DSN = strings.TrimSpace(a.dsn)
	if addr := strings.TrimSpace(a.listenAddr); addr != "" {
		cfg.ListenAddr = addr
	}

	minAmount, err := decimal.NewFromString(a.minAmount)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid minimum amount %q", a.minAmount)
	}
	cfg.MinAmount = minAmount

	if cfg.PollInterval, err = time.ParseDuration(a.pollInterval); err != nil {
		return config.Config{}, fmt.Errorf("invalid poll interval %q", a.pollInterval)
	}
	if cfg.IntentTTL, err = time.ParseDuration(a.intentTTL); err != nil {
		return config.Config{}, fmt.Errorf("invalid intent expiry %q", a.intentTTL)
	}

	for _, p := range a.policy {
		switch p {
		case "memo":
			cfg.Match.RequireMemo = true
		case "wallet":
			cfg.Match.RequireWallet = true
		}
	}

	// the DSN may still come from the environment at load time
	check := cfg
	if check.Storage.Backend == "postgres" && check.Storage.DSN == "" {
		check.Storage.DSN = "from-env"
	}
	if err := check.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func summary(cfg config.Config) string {
	var rules []string
	if cfg.Match.RequireMemo {
		rules = append(rules, "memo")
	}
	if cfg.Match.RequireWallet {
		rules = append(rules, "wallet")
	}
	if len(rules) == 0 {
		rules = append(rules, "amount only")
	}
	return fmt.Sprintf(
		"Address: %s\nBackend: %s\nMin amount: %s TON\nMatching: %s\nPoll: %s\nListen: %s\n",
		cfg.Chain.ReceiveAddress, cfg.Storage.Backend, cfg.MinAmount.String(),
		strings.Join(rules, ", "), cfg.PollInterval, cfg.ListenAddr,
	)
}

func validateAddress(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return nil
}

func validateMinAmount(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}
