package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/output"
	"github.com/endorses/wdpool/internal/pkg/packetlib"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields [prefix]",
	Short: "List the fields the packet library can extract",
	Long: `List every registered protocol and field. An optional prefix limits the
output, e.g. "wdpool fields ip." lists the IPv4 header fields.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return listFields(os.Stdout, prefix, jsonOutput)
	},
}

func init() {
	fieldsCmd.Flags().Bool("json", false, "Output in JSON format")
}

type fieldInfo struct {
	Abbrev   string `json:"abbrev"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
	Bitmask  string `json:"bitmask,omitempty"`
	Aliases  int    `json:"aliases,omitempty"`
}

func collectFields(prefix string) ([]fieldInfo, error) {
	lib := packetlib.New()
	if err := lib.Init(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []fieldInfo
	for _, def := range lib.Fields() {
		if seen[def.Abbrev] || !strings.HasPrefix(def.Abbrev, prefix) {
			continue
		}
		seen[def.Abbrev] = true

		head := lib.FieldLookup(def.Abbrev)
		fi := fieldInfo{
			Abbrev:   head.Abbrev,
			Name:     head.Name,
			Type:     head.Type.String(),
			Protocol: head.Protocol,
		}
		if head.Bitmask != 0 {
			fi.Bitmask = fmt.Sprintf("0x%x", head.Bitmask)
		}
		if n := len(head.Aliases()); n > 1 {
			fi.Aliases = n
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Abbrev < out[j].Abbrev })
	return out, nil
}

func listFields(w io.Writer, prefix string, jsonOutput bool) error {
	fields, err := collectFields(prefix)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := output.MarshalJSON(fields)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tTYPE\tNAME")
	for _, f := range fields {
		kind := f.Type
		if f.Type == decoder.FTProtocol.String() {
			kind = "protocol"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Abbrev, kind, f.Name)
	}
	return tw.Flush()
}
