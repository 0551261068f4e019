package cli

import (
	"fmt"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/spf13/cobra"
)

// IdentityFlags address one entity from the command line.
type IdentityFlags struct {
	Kind   string
	ID     int64
	Name   string
	Parent string // canonical encoding, e.g. "Account,i7"
	Key    string // full canonical encoding; overrides the other flags
}

// Register adds the flags to cmd.
func (f *IdentityFlags) Register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Kind, "kind", "", "Entity kind")
	cmd.Flags().Int64Var(&f.ID, "id", 0, "Numeric identifier")
	cmd.Flags().StringVar(&f.Name, "name", "", "Name identifier")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "Parent identity in canonical form")
	cmd.Flags().StringVar(&f.Key, "key", "", "Full identity in canonical form")
	cmd.MarkFlagsMutuallyExclusive("id", "name")
	cmd.MarkFlagsMutuallyExclusive("key", "kind")
}

// Identity builds and validates the identity.
func (f *IdentityFlags) Identity() (domain.Identity, error) {
	if f.Key != "" {
		return domain.ParseIdentity(f.Key)
	}
	if f.Kind == "" {
		return domain.Identity{}, fmt.Errorf("--kind or --key is required")
	}
	var id domain.Identity
	if f.Name != "" {
		id = domain.NewNamedIdentity(f.Kind, f.Name)
	} else {
		id = domain.NewIdentity(f.Kind, f.ID)
	}
	if f.Parent != "" {
		parent, err := domain.ParseIdentity(f.Parent)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("invalid --parent: %w", err)
		}
		id = id.WithParent(parent)
	}
	if err := id.Validate(); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}
