package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for snapguard.

To load completions for your shell:

Bash:
  # To load completions for each session, execute once:
  # Linux:
  snapguard completion bash > /etc/bash_completion.d/snapguard
  # macOS:
  snapguard completion bash > /usr/local/etc/bash_completion.d/snapguard

  # Or add to your ~/.bashrc or ~/.bash_profile:
  source <(snapguard completion bash)

Zsh:
  # To load completions for each session, execute once:
  snapguard completion zsh > "${fpath[1]}/_snapguard"

  # Or add to your ~/.zshrc:
  source <(snapguard completion zsh)

  # You may need to force rebuild the completion cache:
  rm -f ~/.zcompdump
  compinit

Fish:
  # To load completions for each session, execute once:
  snapguard completion fish > ~/.config/fish/completions/snapguard.fish

  # Or add to your ~/.config/fish/config.fish:
  snapguard completion fish | source

PowerShell:
  # To load completions for each session, run:
  snapguard completion powershell | Out-String | Invoke-Expression

  # Or add to your PowerShell profile:
  # (Microsoft.PowerShell_profile.ps1 or profile.ps1)
  snapguard completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch shell := args[0]; shell {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		default:
			return fmt.Errorf("unsupported shell type: %s", shell)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
