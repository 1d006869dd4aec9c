package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tessella-app/tessella/internal/auth"
	"github.com/tessella-app/tessella/internal/board"
	"github.com/tessella-app/tessella/internal/config"
	"github.com/tessella-app/tessella/internal/database"
	"github.com/tessella-app/tessella/internal/export"
	"github.com/tessella-app/tessella/internal/logging"
	"go.uber.org/zap"
)

const sessionIssuer = "tessella-auth"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tessella-admin",
		Short: "Tessella board maintenance tooling",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newMemberCommand())
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newExportCommand() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export <board-id>",
		Short: "Write a board's snapshot, operation log, members, and chat to an artifact file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := newExportService()
			if err != nil {
				return err
			}
			defer cleanup()

			boardID, err := board.NewBoardID(args[0])
			if err != nil {
				return err
			}
			artifact, err := service.Export(cmd.Context(), boardID)
			if err != nil {
				return err
			}
			path := outputPath
			if path == "" {
				path = fmt.Sprintf("%s.tessella.json", boardID.String())
			}
			if err := export.WriteArtifact(path, artifact); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported board %s: %d ops, base version %d -> %s\n",
				boardID.String(), len(artifact.Ops), artifact.Meta.BaseVersion, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Artifact output path (default <board-id>.tessella.json)")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <artifact-file>",
		Short: "Rebuild or merge a board from an artifact file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := newExportService()
			if err != nil {
				return err
			}
			defer cleanup()

			artifact, err := export.ReadArtifact(args[0])
			if err != nil {
				return err
			}
			report, err := service.Restore(cmd.Context(), artifact)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"restored board %s: created=%t members=%d/%d chat=%d ops=%d inserted, %d skipped, counter=%d\n",
				artifact.Meta.BoardID, report.BoardCreated,
				report.MembersCreated, report.MembersMerged,
				report.ChatInserted, report.OpsInserted, report.OpsSkipped,
				report.SequenceValue)
			return nil
		},
	}
}

func newMemberCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage board membership",
	}
	cmd.AddCommand(newMemberAddCommand())
	cmd.AddCommand(newMemberRoleCommand())
	cmd.AddCommand(newMemberRemoveCommand())
	return cmd
}

func newMemberAddCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add <board-id> <user-id>",
		Short: "Add a member or update an existing member's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, cleanup, err := newBoardService()
			if err != nil {
				return err
			}
			defer cleanup()

			boardID, userID, memberRole, err := parseMemberArgs(args[0], args[1], role)
			if err != nil {
				return err
			}
			if err := service.AddMember(cmd.Context(), boardID, userID, memberRole); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to board %s as %s\n",
				userID.String(), boardID.String(), memberRole.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "editor", "Role to grant (owner, editor, viewer)")
	return cmd
}

func newMemberRoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "role <board-id> <user-id> <role>",
		Short: "Change an existing member's role",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, cleanup, err := newBoardService()
			if err != nil {
				return err
			}
			defer cleanup()

			boardID, userID, memberRole, err := parseMemberArgs(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if err := service.ChangeRole(cmd.Context(), boardID, userID, memberRole); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "changed %s on board %s to %s\n",
				userID.String(), boardID.String(), memberRole.String())
			return nil
		},
	}
}

func newMemberRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <board-id> <user-id>",
		Short: "Remove a member from a board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, cleanup, err := newBoardService()
			if err != nil {
				return err
			}
			defer cleanup()

			boardID, err := board.NewBoardID(args[0])
			if err != nil {
				return err
			}
			userID, err := board.NewUserID(args[1])
			if err != nil {
				return err
			}
			if err := service.RemoveMember(cmd.Context(), boardID, userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from board %s\n",
				userID.String(), boardID.String())
			return nil
		},
	}
}

func parseMemberArgs(rawBoardID, rawUserID, rawRole string) (board.BoardID, board.UserID, board.Role, error) {
	boardID, err := board.NewBoardID(rawBoardID)
	if err != nil {
		return "", "", "", err
	}
	userID, err := board.NewUserID(rawUserID)
	if err != nil {
		return "", "", "", err
	}
	role, err := board.ParseRole(rawRole)
	if err != nil {
		return "", "", "", err
	}
	return boardID, userID, role, nil
}

func newTokenCommand() *cobra.Command {
	var displayName string
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        sessionIssuer,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			token, expiresIn, err := issuer.IssueSessionToken(args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires in %ds\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name embedded in the token")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "Token lifetime in minutes")
	return cmd
}

func newBoardService() (*board.Service, *zap.Logger, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		sqlDB.Close()
		logger.Sync() //nolint:errcheck
	}

	boardService, err := board.NewService(board.ServiceConfig{
		Database:           db,
		Clock:              time.Now,
		IDProvider:         board.NewUUIDProvider(),
		Logger:             logger,
		CheckpointInterval: appConfig.CheckpointInterval,
		CachedOpsLimit:     appConfig.CachedOpsLimit,
		ChatHistoryLimit:   appConfig.ChatHistoryLimit,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return boardService, logger, cleanup, nil
}

func newExportService() (*export.Service, func(), error) {
	boardService, logger, cleanup, err := newBoardService()
	if err != nil {
		return nil, nil, err
	}

	service, err := export.NewService(export.ServiceConfig{
		Boards: boardService,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}
