package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	daemonWorkerUnitName = "pulse-worker.service"
	daemonServeUnitName  = "pulse-serve.service"
	systemdUnitDir       = "/etc/systemd/system"
)

var daemonUnitNames = []string{
	daemonWorkerUnitName,
	daemonServeUnitName,
}

type unitOptions struct {
	User    string
	WorkDir string
	Binary  string
	EnvFile string
	Port    int
}

func runDaemon(args []string) int {
	if len(args) == 0 {
		printDaemonUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "help", "-h", "--help":
		printDaemonUsage()
		return 0
	case "install":
		return runDaemonInstall(args[1:])
	case "uninstall":
		return runDaemonUninstall(args[1:])
	case "start":
		return runDaemonServiceAction("start", args[1:], true)
	case "stop":
		return runDaemonServiceAction("stop", args[1:], true)
	case "restart":
		return runDaemonServiceAction("restart", args[1:], true)
	case "status":
		return runDaemonServiceAction("status", args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action: %s\n\n", args[0])
		printDaemonUsage()
		return 2
	}
}

func runDaemonInstall(args []string) int {
	fs := flag.NewFlagSet("daemon install", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	defaultUser := strings.TrimSpace(os.Getenv("USER"))
	if defaultUser == "" {
		defaultUser = "root"
	}

	userName := fs.String("user", defaultUser, "Run services as this Linux user")
	port := fs.Int("port", 8090, "Port for pulse serve")
	workDir := fs.String("workdir", "", "Working directory holding .env and YAML files (default: cwd)")
	binary := fs.String("binary", "", "Path to the pulse binary (default: this executable)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon install does not accept positional args")
		return 2
	}
	if err := validatePort(*port, "--port"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if strings.TrimSpace(*userName) == "" {
		fmt.Fprintln(os.Stderr, "--user must not be empty")
		return 2
	}
	if err := requireRoot("install"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts, err := resolveUnitOptions(strings.TrimSpace(*userName), *workDir, *binary, *port)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	units := map[string]string{
		daemonWorkerUnitName: buildWorkerUnitFile(opts),
		daemonServeUnitName:  buildServeUnitFile(opts),
	}
	for _, name := range daemonUnitNames {
		if err := writeUnitFile(name, units[name]); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", name, err)
			return 1
		}
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	enableArgs := append([]string{"enable"}, daemonUnitNames...)
	if err := runSystemctl(enableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enable services: %v\n", err)
		return 1
	}

	fmt.Printf("Installed %s and %s\n", daemonWorkerUnitName, daemonServeUnitName)
	fmt.Println("Services are enabled on boot. Run `pulse daemon start` to start them now.")
	return 0
}

func runDaemonUninstall(args []string) int {
	fs := flag.NewFlagSet("daemon uninstall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon uninstall does not accept positional args")
		return 2
	}
	if err := requireRoot("uninstall"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stopArgs := append([]string{"stop"}, daemonUnitNames...)
	if err := runSystemctl(stopArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to stop one or more services: %v\n", err)
	}

	disableArgs := append([]string{"disable"}, daemonUnitNames...)
	if err := runSystemctl(disableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to disable one or more services: %v\n", err)
	}

	for _, unitName := range daemonUnitNames {
		unitPath := filepath.Join(systemdUnitDir, unitName)
		if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", unitPath, err)
			return 1
		}
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	fmt.Printf("Removed %s and %s\n", daemonWorkerUnitName, daemonServeUnitName)
	return 0
}

func runDaemonServiceAction(action string, args []string, requireRootPrivileges bool) int {
	fs := flag.NewFlagSet("daemon "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "daemon %s does not accept positional args\n", action)
		return 2
	}
	if requireRootPrivileges {
		if err := requireRoot(action); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	systemctlArgs := make([]string, 0, 3+len(daemonUnitNames))
	systemctlArgs = append(systemctlArgs, action)
	if action == "status" {
		systemctlArgs = append(systemctlArgs, "--no-pager")
	}
	systemctlArgs = append(systemctlArgs, daemonUnitNames...)

	if err := runSystemctl(systemctlArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to %s services: %v\n", action, err)
		return 1
	}
	return 0
}

func validatePort(port int, flagName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", flagName)
	}
	return nil
}

func requireRoot(action string) error {
	if os.Geteuid() == 0 {
		return nil
	}
	return fmt.Errorf("daemon %s requires root privileges; run with sudo: sudo pulse daemon %s", action, action)
}

func resolveUnitOptions(userName, workDir, binary string, port int) (unitOptions, error) {
	opts := unitOptions{User: userName, Port: port}

	dir := strings.TrimSpace(workDir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return opts, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return opts, fmt.Errorf("normalize --workdir %q: %w", dir, err)
	}
	if !isDir(absDir) {
		return opts, fmt.Errorf("--workdir %q is not a directory", absDir)
	}
	opts.WorkDir = absDir
	if _, err := os.Stat(filepath.Join(absDir, ".env")); err == nil {
		opts.EnvFile = filepath.Join(absDir, ".env")
	}

	bin := strings.TrimSpace(binary)
	if bin == "" {
		exePath, err := os.Executable()
		if err != nil {
			return opts, fmt.Errorf("resolve executable: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
			exePath = resolved
		}
		bin = exePath
	}
	absBin, err := filepath.Abs(bin)
	if err != nil {
		return opts, fmt.Errorf("normalize --binary %q: %w", bin, err)
	}
	opts.Binary = absBin
	return opts, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func buildWorkerUnitFile(opts unitOptions) string {
	return buildUnitFile(opts, "Pulse task worker and scheduler", "network.target postgresql.service redis.service", "worker --scheduler")
}

func buildServeUnitFile(opts unitOptions) string {
	return buildUnitFile(opts, "Pulse HTTP trigger API", "network.target "+daemonWorkerUnitName, "serve --host 0.0.0.0 --port "+strconv.Itoa(opts.Port))
}

func buildUnitFile(opts unitOptions, description, after, command string) string {
	lines := []string{
		"[Unit]",
		"Description=" + description,
		"After=" + after,
		"",
		"[Service]",
		"Type=simple",
		"User=" + opts.User,
		"WorkingDirectory=" + opts.WorkDir,
	}
	if opts.EnvFile != "" {
		lines = append(lines, "EnvironmentFile="+opts.EnvFile)
	}
	lines = append(lines,
		"ExecStart="+opts.Binary+" "+command,
		"Restart=on-failure",
		"RestartSec=5",
		"KillSignal=SIGTERM",
		"TimeoutStopSec=30",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	)
	return strings.Join(lines, "\n")
}

func writeUnitFile(name, content string) error {
	unitPath := filepath.Join(systemdUnitDir, name)
	return os.WriteFile(unitPath, []byte(content), 0o644)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func printDaemonUsage() {
	fmt.Fprintln(os.Stderr, "pulse daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pulse daemon <action> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Actions:")
	fmt.Fprintln(os.Stderr, "  install     Write unit files, daemon-reload, and enable services on boot")
	fmt.Fprintln(os.Stderr, "  uninstall   Stop, disable, and remove unit files")
	fmt.Fprintln(os.Stderr, "  start       Start worker and API services")
	fmt.Fprintln(os.Stderr, "  stop        Stop worker and API services")
	fmt.Fprintln(os.Stderr, "  restart     Restart worker and API services")
	fmt.Fprintln(os.Stderr, "  status      Show status for both services")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Install flags:")
	fmt.Fprintln(os.Stderr, "  --user <name>       Service user (default: $USER)")
	fmt.Fprintln(os.Stderr, "  --port <n>          API port (default: 8090)")
	fmt.Fprintln(os.Stderr, "  --workdir <path>    Working directory (default: cwd)")
	fmt.Fprintln(os.Stderr, "  --binary <path>     pulse binary (default: this executable)")
}
