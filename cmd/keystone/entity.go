package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/keystone/internal/cli"
	"github.com/spf13/cobra"
)

func newGetCmd(opts *cli.StoreOptions) *cobra.Command {
	var target cli.IdentityFlags
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print an entity",
		Example: `  keystone get --kind Trivial --id 42
  keystone get --key 'Account,i7/Thing,sx'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := target.Identity()
			if err != nil {
				return err
			}
			store, err := cli.OpenStore(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			e, err := store.Begin().LoadEntry(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !e.Found() {
				return fmt.Errorf("%s not found", id)
			}
			return cli.PrintEntry(cmd.OutOrStdout(), e)
		},
	}
	target.Register(cmd)
	return cmd
}

func newPutCmd(opts *cli.StoreOptions) *cobra.Command {
	var target cli.IdentityFlags
	var data, file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Write an entity payload",
		Example: `  keystone put --kind Trivial --id 42 --data '{"someString":"foo"}'
  cat thing.json | keystone put --kind Thing --name x --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := target.Identity()
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}
			store, err := cli.OpenStore(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			op, err := store.Begin().PutRaw(cmd.Context(), id, payload)
			if err != nil {
				return err
			}
			v, err := op.Await(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (version %s)\n", id, v)
			return nil
		},
	}
	target.Register(cmd)
	cmd.Flags().StringVarP(&data, "data", "d", "", "Payload literal")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Payload file ('-' for stdin)")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func newDeleteCmd(opts *cli.StoreOptions) *cobra.Command {
	var target cli.IdentityFlags
	cmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Short:   "Delete an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := target.Identity()
			if err != nil {
				return err
			}
			store, err := cli.OpenStore(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			op, err := store.Begin().DeleteRaw(cmd.Context(), id)
			if err != nil {
				return err
			}
			if _, err := op.Await(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			return nil
		},
	}
	target.Register(cmd)
	return cmd
}

func readPayload(stdin io.Reader, data, file string) ([]byte, error) {
	switch {
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("one of --data or --file is required")
}
