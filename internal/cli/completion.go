package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Command describes one imctl subcommand for help and completion.
type Command struct {
	Name    string
	Usage   string
	Summary string
}

// Commands is the imctl command table.
var Commands = []Command{
	{Name: "products", Usage: "products", Summary: "List marketplace products"},
	{Name: "vendors", Usage: "vendors", Summary: "List external data vendors"},
	{Name: "publish", Usage: "publish -title T -description D -content C -price P -seller S", Summary: "Publish a product"},
	{Name: "buy", Usage: "buy <product-id>", Summary: "Pay for a product and print its content"},
	{Name: "rate", Usage: "rate <product-id> <1-5> [reason]", Summary: "Rate a purchased product"},
	{Name: "ask", Usage: "ask [-budget B] <question>", Summary: "Run the purchasing agent and follow its reasoning"},
	{Name: "stats", Usage: "stats", Summary: "Show marketplace statistics"},
	{Name: "treasury", Usage: "treasury", Summary: "Show the platform treasury"},
	{Name: "completion", Usage: "completion <bash|zsh|fish> [-install]", Summary: "Generate shell completion script"},
}

// globalFlags are accepted before any subcommand.
var globalFlags = []Command{
	{Name: "url", Summary: "InfoMart base URL"},
	{Name: "wallet", Summary: "Sandbox wallet paying for purchases"},
	{Name: "no-color", Summary: "Disable coloured output"},
}

var shells = []string{"bash", "zsh", "fish"}

func commandNames() string {
	names := make([]string, 0, len(Commands))
	for _, c := range Commands {
		names = append(names, c.Name)
	}
	return strings.Join(names, " ")
}

func bashScript(prog string) string {
	var flags []string
	for _, f := range globalFlags {
		flags = append(flags, "-"+f.Name)
	}
	fn := "_" + strings.ReplaceAll(prog, "-", "_") + "_completion"
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\n# Bash completion for %s\n\n", prog)
	fmt.Fprintf(&b, "%s() {\n", fn)
	b.WriteString("    local cur prev\n    COMPREPLY=()\n")
	b.WriteString("    cur=\"${COMP_WORDS[COMP_CWORD]}\"\n    prev=\"${COMP_WORDS[COMP_CWORD-1]}\"\n\n")
	b.WriteString("    case \"${prev}\" in\n")
	fmt.Fprintf(&b, "        completion)\n            COMPREPLY=( $(compgen -W \"%s\" -- ${cur}) )\n            return 0\n            ;;\n", strings.Join(shells, " "))
	b.WriteString("    esac\n\n")
	fmt.Fprintf(&b, "    COMPREPLY=( $(compgen -W \"%s %s\" -- ${cur}) )\n", commandNames(), strings.Join(flags, " "))
	b.WriteString("    return 0\n}\n\n")
	fmt.Fprintf(&b, "complete -F %s %s\n", fn, prog)
	return b.String()
}

func zshScript(prog string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#compdef %s\n\n_%s() {\n    local -a commands\n    commands=(\n", prog, prog)
	for _, c := range Commands {
		fmt.Fprintf(&b, "        '%s:%s'\n", c.Name, c.Summary)
	}
	b.WriteString("    )\n\n    _arguments -C \\\n")
	for _, f := range globalFlags {
		fmt.Fprintf(&b, "        '-%s[%s]' \\\n", f.Name, f.Summary)
	}
	b.WriteString("        '1: :->command' \\\n        '*:: :->args'\n\n")
	b.WriteString("    case $state in\n        command)\n            _describe 'command' commands\n            ;;\n")
	fmt.Fprintf(&b, "        args)\n            [[ $words[1] == completion ]] && _values 'shell' %s\n            ;;\n", strings.Join(shells, " "))
	fmt.Fprintf(&b, "    esac\n}\n\n_%s \"$@\"\n", prog)
	return b.String()
}

func fishScript(prog string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Fish completion for %s\n\n", prog)
	for _, c := range Commands {
		fmt.Fprintf(&b, "complete -c %s -f -n \"__fish_use_subcommand\" -a \"%s\" -d \"%s\"\n", prog, c.Name, c.Summary)
	}
	for _, shell := range shells {
		fmt.Fprintf(&b, "complete -c %s -f -n \"__fish_seen_subcommand_from completion\" -a \"%s\"\n", prog, shell)
	}
	for _, f := range globalFlags {
		fmt.Fprintf(&b, "complete -c %s -o %s -d \"%s\"\n", prog, f.Name, f.Summary)
	}
	return b.String()
}

// CompletionScript returns the completion script of prog for shell.
func CompletionScript(prog, shell string) (string, error) {
	switch shell {
	case "bash":
		return bashScript(prog), nil
	case "zsh":
		return zshScript(prog), nil
	case "fish":
		return fishScript(prog), nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (supported: %s)", shell, strings.Join(shells, ", "))
	}
}

// GenerateCompletion writes the completion script to w.
func GenerateCompletion(w io.Writer, prog, shell string) error {
	script, err := CompletionScript(prog, shell)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, script)
	return err
}

// completionPath is where each shell looks for user completion scripts.
func completionPath(home, prog, shell string) string {
	switch shell {
	case "bash":
		return filepath.Join(home, ".bash_completion.d", prog)
	case "zsh":
		return filepath.Join(home, ".zsh", "completion", "_"+prog)
	default:
		return filepath.Join(home, ".config", "fish", "completions", prog+".fish")
	}
}

// InstallCompletion writes the script under the user's home directory and
// returns its path.
func InstallCompletion(prog, shell string) (string, error) {
	script, err := CompletionScript(prog, shell)
	if err != nil {
		return "", err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	path := completionPath(home, prog, shell)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return path, nil
}
