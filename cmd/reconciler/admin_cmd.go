package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/pkg/authz"
)

func newReplaceCmd(global *globalOptions) *cobra.Command {
	var initiator, kind, entity, oldID, newID string
	cmd := &cobra.Command{
		Use:   "replace-department",
		Short: "Replace a stale department id across one entity's permission sets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			who, err := parseUUID("--initiator", initiator)
			if err != nil {
				return err
			}
			entityID, err := parseUUID("--entity", entity)
			if err != nil {
				return err
			}
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer a.Close()
			admin, err := a.admin()
			if err != nil {
				return err
			}
			entry, err := admin.ReplaceDepartment(ctx, who, k, entityID, oldID, newID)
			if err != nil {
				return adminError(err)
			}
			return writeJSONLine(map[string]any{
				"entry_id": entry.ID,
				"action":   entry.Action,
				"note":     entry.Note,
				"patch":    entry.Patch,
			})
		},
	}
	cmd.Flags().StringVar(&initiator, "initiator", "", "User id performing the change (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "Entity kind: wiki|announcement (required)")
	cmd.Flags().StringVar(&entity, "entity", "", "Entity id (required)")
	cmd.Flags().StringVar(&oldID, "old", "", "Department id to replace (required)")
	cmd.Flags().StringVar(&newID, "new", "", "Replacement department id (required)")
	for _, f := range []string{"initiator", "kind", "entity", "old", "new"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newResolveCmd(global *globalOptions) *cobra.Command {
	var initiator, entry, note string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Close an open drift entry without changing permissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			who, err := parseUUID("--initiator", initiator)
			if err != nil {
				return err
			}
			entryID, err := parseUUID("--entry", entry)
			if err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer a.Close()
			admin, err := a.admin()
			if err != nil {
				return err
			}
			if err := admin.Resolve(ctx, who, entryID, note); err != nil {
				return adminError(err)
			}
			return writeJSONLine(map[string]any{"entry_id": entryID, "action": services.ActionResolved})
		},
	}
	cmd.Flags().StringVar(&initiator, "initiator", "", "User id performing the change (required)")
	cmd.Flags().StringVar(&entry, "entry", "", "Log entry id (required)")
	cmd.Flags().StringVar(&note, "note", "", "Resolution note")
	_ = cmd.MarkFlagRequired("initiator")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func parseUUID(flag, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, withCode(exitUsage, fmt.Errorf("invalid %s: %w", flag, err))
	}
	return id, nil
}

func adminError(err error) error {
	if errors.Is(err, authz.ErrForbidden) {
		return withCode(exitForbidden, err)
	}
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) && svcErr.Status < 500 {
		return withCode(exitValidation, fmt.Errorf("%s: %w", svcErr.Code, err))
	}
	return withCode(exitDB, err)
}
