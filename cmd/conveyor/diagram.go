package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/conveyor/internal/diagram"
	"github.com/rendis/conveyor/internal/store"
)

const formatMermaid = "mermaid"

type diagramOptions struct {
	DefinitionPath string
	ExecutionUUID  string
	Format         string
	Output         string
}

func parseDiagramArgs(args []string) (diagramOptions, error) {
	opts := diagramOptions{}
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.ExecutionUUID, "run", "", "overlay the statuses of this execution")
	fs.StringVar(&opts.Format, "format", formatMermaid, "mermaid, png or svg")
	fs.StringVar(&opts.Output, "o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		return opts, fmt.Errorf("usage: conveyor diagram [flags] <definition.(json|yaml)>")
	}
	switch opts.Format {
	case formatMermaid, string(diagram.FormatPNG), string(diagram.FormatSVG):
	default:
		return opts, fmt.Errorf("unknown format %q", opts.Format)
	}
	opts.DefinitionPath = fs.Arg(0)
	return opts, nil
}

// renderDiagram draws a definition, with the statuses of one persisted run
// when opts names it.
func (a *app) renderDiagram(ctx context.Context, opts diagramOptions) ([]byte, error) {
	def, _, err := a.loadDefinition(opts.DefinitionPath)
	if err != nil {
		return nil, err
	}

	var instances []*store.StateExecutionInstance
	if opts.ExecutionUUID != "" {
		instances, err = a.store.ListInstances(ctx, store.InstanceFilter{AppID: def.AppID, ExecutionUUID: opts.ExecutionUUID})
		if err != nil {
			return nil, err
		}
		if len(instances) == 0 {
			return nil, fmt.Errorf("no instances for execution %s", opts.ExecutionUUID)
		}
	}

	model, err := diagram.Build(def, a.registry, instances)
	if err != nil {
		return nil, err
	}
	if opts.Format == formatMermaid {
		return []byte(diagram.RenderMermaid(model)), nil
	}
	return diagram.RenderImage(ctx, model, diagram.ImageFormat(opts.Format))
}

func (a *app) diagramCommand(ctx context.Context, opts diagramOptions, stdout io.Writer) error {
	out, err := a.renderDiagram(ctx, opts)
	if err != nil {
		return err
	}
	if opts.Output != "" {
		return os.WriteFile(opts.Output, out, 0o644)
	}
	_, err = stdout.Write(out)
	return err
}
