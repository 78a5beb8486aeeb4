package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/groove/internal/store"
	"github.com/andresmejia3/groove/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <session_id> <player>",
	Short: "Record who danced a session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			utils.Die("Invalid session ID", err, nil)
		}
		player := args[1]

		runLabel(cmd.Context(), id, player)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id uuid.UUID, player string) {
	// Database is initialized in Root PersistentPreRun
	err := DB.RenamePlayer(ctx, id, player)
	if errors.Is(err, store.ErrNotFound) {
		utils.Die(fmt.Sprintf("Session %s does not exist", id), nil, nil)
	}
	if err != nil {
		utils.Die("Failed to label session", err, nil)
	}

	fmt.Printf("✅ Session %s labeled as '%s'\n", id, player)
}
