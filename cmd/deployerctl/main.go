package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/Satvik374/bot-deployer/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	DaemonURL     string `json:"daemon_url"`
	OperatorToken string `json:"operator_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "connect":
		err = commandConnect(args)
	case "deploy":
		err = commandDeploy(args)
	case "list":
		err = commandList(args)
	case "status":
		err = commandStatus(args)
	case "stop":
		err = commandStop(args)
	case "restart":
		err = commandRestart(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	daemon := fs.String("daemon", "", "Daemon base URL (default http://localhost:8080)")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*daemon) != "" {
		cfg.DaemonURL = strings.TrimSpace(*daemon)
	} else if cfg.DaemonURL == "" {
		cfg.DaemonURL = "http://localhost:8080"
	}

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Operator token (leave empty for open daemons): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	cfg.OperatorToken = secret

	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("daemon configured: %s\n", cfg.DaemonURL)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	repo := fs.String("repo", "", "Git repository URL")
	run := fs.String("run", "", "Run command executed after a successful build")
	build := fs.String("build", "", "Optional build command")
	envFile := fs.String("env-file", "", "Optional env file path inside the repository")
	proxy := fs.String("proxy", "", "Optional proxy URL exported to the process")
	var env envList
	fs.Var(&env, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	if strings.TrimSpace(*run) == "" {
		return errors.New("--run is required")
	}
	envVars, err := env.toMap()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	input := apiclient.DeployInput{
		RepoURL:      *repo,
		BuildCommand: *build,
		RunCommand:   *run,
		Env:          envVars,
		EnvFile:      *envFile,
		Proxy:        *proxy,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.Deploy(ctx, cfg.OperatorToken, input)
	if err != nil {
		return err
	}
	fmt.Printf("deployment accepted: %s state=%s\n", dep.ID, dep.State)
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, cfg.OperatorToken)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.State, dep.RepoName, dep.RepoURL)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.GetDeployment(ctx, cfg.OperatorToken, *id)
	if err != nil {
		return err
	}
	fmt.Printf("id:\t%s\n", dep.ID)
	fmt.Printf("repo:\t%s\n", dep.RepoURL)
	fmt.Printf("name:\t%s\n", dep.RepoName)
	fmt.Printf("state:\t%s\n", dep.State)
	if dep.BuildCommand != "" {
		fmt.Printf("build:\t%s\n", dep.BuildCommand)
	}
	fmt.Printf("run:\t%s\n", dep.RunCommand)
	fmt.Printf("workdir:\t%s\n", dep.Workdir)
	fmt.Printf("updated:\t%s\n", dep.UpdatedAt.Format(time.RFC3339))
	return nil
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.StopDeployment(ctx, cfg.OperatorToken, *id)
	if err != nil {
		return err
	}
	fmt.Printf("deployment stopped: %s state=%s\n", dep.ID, dep.State)
	return nil
}

func commandRestart(args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.RestartDeployment(ctx, cfg.OperatorToken, *id)
	if err != nil {
		return err
	}
	fmt.Printf("deployment restarting: %s state=%s\n", dep.ID, dep.State)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier (omit to follow all)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.DaemonURL)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	all := strings.TrimSpace(*id) == ""
	return client.StreamLogs(ctx, cfg.OperatorToken, *id, func(line apiclient.LogLine) {
		if all {
			fmt.Printf("%s\t%s\n", line.DeploymentID, line.Text)
			return
		}
		fmt.Println(line.Text)
	})
}

// envList collects repeated --env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ",")
}

func (e *envList) Set(value string) error {
	*e = append(*e, value)
	return nil
}

func (e envList) toMap() (map[string]string, error) {
	if len(e) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(e))
	for _, entry := range e {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --env entry %q, expected KEY=VALUE", entry)
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{DaemonURL: "http://localhost:8080"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.DaemonURL == "" {
		cfg.DaemonURL = "http://localhost:8080"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployerctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployerctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployerctl connect [--daemon http://localhost:8080] [--token secret]
	deployerctl deploy --repo <url> --run <cmd> [--build cmd] [--env KEY=VALUE]... [--env-file path] [--proxy url]
	deployerctl list
	deployerctl status --id <deployment-id>
	deployerctl stop --id <deployment-id>
	deployerctl restart --id <deployment-id>
	deployerctl logs [--id <deployment-id>]
	deployerctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
