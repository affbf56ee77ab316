package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nqd/flat"
	"github.com/spf13/cobra"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/util"
)

type infoOutput struct {
	*couchsys.ServerInfo
	Legacy      bool `json:"legacy"`
	Partitioned bool `json:"partitioned"`
}

func newInfoCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the server's metadata and detected capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" && output != "flat" {
				return fmt.Errorf("unsupported output %q", output)
			}
			sys, err := a.system()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			info, err := sys.ServerInfo(ctx)
			if err != nil {
				return err
			}
			out := infoOutput{ServerInfo: info}
			if out.Legacy, err = sys.IsLegacyVersion(ctx); err != nil {
				return err
			}
			if out.Partitioned, err = sys.SupportsPartitioning(ctx); err != nil {
				return err
			}
			bits, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			switch output {
			case "yaml":
				if bits, err = util.JSONToYAML(bits); err != nil {
					return err
				}
			case "flat":
				if bits, err = flatten(bits); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bits))
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json, yaml, flat)")
	return cmd
}

// flatten renders a json object as sorted key=value lines with dotted keys
func flatten(bits []byte) ([]byte, error) {
	var values map[string]any
	if err := json.Unmarshal(bits, &values); err != nil {
		return nil, err
	}
	flattened, err := flat.Flatten(values, nil)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(flattened))
	for k := range flattened {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%v", k, flattened[k]))
	}
	return []byte(strings.Join(lines, "\n")), nil
}
