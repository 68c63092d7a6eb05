package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazed_settings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/glitchcube/pkg/settings"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var errNotConfigured = errors.New("not configured")

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and check the tool registry",
	}

	listCmd, err := NewListToolsCommand()
	cobra.CheckErr(err)
	list, err := cli.BuildCobraCommandFromGlazeCommand(listCmd)
	cobra.CheckErr(err)

	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a tool registry file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := tools.LoadFile(args[0])
			if err != nil {
				return err
			}
			reg, err := tools.NewRegistry(descs)
			if err != nil {
				return err
			}
			var sync, async int
			for _, d := range reg.List() {
				if d.Classification == tools.ClassificationAsync {
					async++
				} else {
					sync++
				}
			}
			fmt.Printf("%s: %d tools (%d sync, %d async)\n", args[0], reg.Count(), sync, async)
			return nil
		},
	}

	cmd.AddCommand(list, validate)
	return cmd
}

type ListToolsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ListToolsCommand{}

func NewListToolsCommand() (*ListToolsCommand, error) {
	glazedParameterLayer, err := glazed_settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}

	return &ListToolsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List the tools exposed to the model"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"tools-file",
					parameters.ParameterTypeString,
					parameters.WithHelp("YAML tool registry file"),
				),
				parameters.NewParameterDefinition(
					"name",
					parameters.ParameterTypeString,
					parameters.WithHelp("glob to match tool names"),
				),
				parameters.NewParameterDefinition(
					"async-only",
					parameters.ParameterTypeBool,
					parameters.WithHelp("only list tools that run in the background"),
					parameters.WithDefault(false),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

type ListToolsSettings struct {
	ToolsFile string `glazed.parameter:"tools-file"`
	Name      string `glazed.parameter:"name"`
	AsyncOnly bool   `glazed.parameter:"async-only"`
}

func (c *ListToolsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	ls := &ListToolsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, ls); err != nil {
		return err
	}

	s, err := settings.Load(v)
	if err != nil {
		return err
	}
	if ls.ToolsFile != "" {
		s.Tools.File = ls.ToolsFile
	}
	descs, err := loadDescriptors(s)
	if err != nil {
		return err
	}
	reg, err := tools.NewRegistry(descs, tools.WithAllowed(s.Tools.Allowed...))
	if err != nil {
		return err
	}

	rows, err := toolRows(reg.List(), ls.Name, ls.AsyncOnly)
	if err != nil {
		return err
	}
	for _, r := range rows {
		row := types.NewRow(
			types.MRP("name", r.Name),
			types.MRP("classification", r.Classification),
			types.MRP("service", r.Service),
			types.MRP("action", r.Action),
			types.MRP("timeout_ms", r.TimeoutMs),
			types.MRP("parameters", r.Parameters),
			types.MRP("description", r.Description),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// toolRow is one line of `tools list`.
type toolRow struct {
	Name           string
	Classification string
	Service        string
	Action         string
	TimeoutMs      int64
	Parameters     string
	Description    string
}

func toolRows(descs []tools.Descriptor, nameGlob string, asyncOnly bool) ([]toolRow, error) {
	ret := make([]toolRow, 0, len(descs))
	for _, d := range descs {
		if nameGlob != "" {
			matching, err := glob.Match(nameGlob, d.Name)
			if err != nil {
				return nil, errors.Wrapf(err, "bad name glob %q", nameGlob)
			}
			if !matching {
				continue
			}
		}
		if asyncOnly && d.Classification != tools.ClassificationAsync {
			continue
		}

		params := make([]string, 0, len(d.Parameters))
		for _, p := range d.Parameters {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name+":"+string(p.Type))
		}
		ret = append(ret, toolRow{
			Name:           d.Name,
			Classification: string(d.Classification),
			Service:        d.Binding.Service,
			Action:         d.Binding.Action,
			TimeoutMs:      d.Timeout.Milliseconds(),
			Parameters:     strings.Join(params, ", "),
			Description:    d.Description,
		})
	}
	return ret, nil
}
