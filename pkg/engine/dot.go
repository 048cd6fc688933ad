package engine

import (
	"fmt"
	"strings"
)

// ToDOT renders the plan in graphviz DOT format, one cluster per stage and
// layer. Edges are taken from g.
func (p *Plan) ToDOT(g *Graph) string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, stage := range p.Stages {
		sb.WriteString(fmt.Sprintf("  subgraph \"cluster_%s\" {\n", stage.Stage))
		sb.WriteString(fmt.Sprintf("    label=\"%s\";\n", stage.Stage))

		for i, layer := range stage.Layers {
			sb.WriteString(fmt.Sprintf("    subgraph \"cluster_%s_%d\" {\n", stage.Stage, i))
			sb.WriteString(fmt.Sprintf("      label=\"layer %d\";\n", i))
			sb.WriteString("      style=dashed;\n")
			for _, id := range layer {
				t, _ := g.Task(id)
				label := fmt.Sprintf("%s\\n%s", id, t.Type)
				sb.WriteString(fmt.Sprintf("      \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
					id, label, taskTypeColor(t.Type)))
			}
			sb.WriteString("    }\n")
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, dep := range g.tasks[id].Requires {
			style := "style=solid, color=black"
			if g.tasks[dep].Stage != g.tasks[id].Stage {
				style = "style=dotted, color=gray"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep, id, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func taskTypeColor(t TaskType) string {
	switch t {
	case TaskTypeGroup:
		return "lightyellow"
	case TaskTypeExec:
		return "lightblue"
	case TaskTypePuppet:
		return "lightgreen"
	case TaskTypeSync, TaskTypeUpload:
		return "lightcyan"
	case TaskTypeSkipped:
		return "lightgray"
	default:
		return "white"
	}
}
