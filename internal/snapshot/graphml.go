package snapshot

import (
	"fmt"
	"io"
	"strconv"

	"github.com/beevik/etree"
)

const graphMLNamespace = "http://graphml.graphdrawing.org/xmlns"

type graphMLKey struct {
	id, domain, name string
}

var graphMLKeys = []graphMLKey{
	{"v_name", "node", "name"},
	{"v_url", "node", "url"},
	{"e_event", "edge", "event_type"},
	{"e_how", "edge", "how"},
	{"e_value", "edge", "value"},
	{"e_tag", "edge", "tag"},
	{"e_text", "edge", "text"},
}

// GraphML renders the state-flow graph as a directed GraphML document.
// Nodes carry the state name and URL, edges the fired action. DOMs are left
// out to keep the document readable by graph tools.
func (s *Snapshot) GraphML() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("graphml")
	root.CreateAttr("xmlns", graphMLNamespace)

	for _, k := range graphMLKeys {
		key := root.CreateElement("key")
		key.CreateAttr("id", k.id)
		key.CreateAttr("for", k.domain)
		key.CreateAttr("attr.name", k.name)
		key.CreateAttr("attr.type", "string")
	}

	graph := root.CreateElement("graph")
	graph.CreateAttr("id", s.SessionID)
	graph.CreateAttr("edgedefault", "directed")

	if s.States != nil {
		for pair := s.States.Oldest(); pair != nil; pair = pair.Next() {
			node := graph.CreateElement("node")
			node.CreateAttr("id", nodeID(pair.Key))
			addData(node, "v_name", pair.Value.Name)
			addData(node, "v_url", pair.Value.URL)
		}
	}
	for _, t := range s.Transitions {
		edge := graph.CreateElement("edge")
		edge.CreateAttr("id", "e"+strconv.Itoa(t.Eventable))
		edge.CreateAttr("source", nodeID(t.From))
		edge.CreateAttr("target", nodeID(t.To))
		if s.Eventables == nil {
			continue
		}
		if ev, ok := s.Eventables.Get(t.Eventable); ok {
			addData(edge, "e_event", string(ev.Kind))
			addData(edge, "e_how", string(ev.Identification.How))
			addData(edge, "e_value", ev.Identification.Value)
			addData(edge, "e_tag", ev.Element.Tag)
			if ev.Element.Text != "" {
				addData(edge, "e_text", ev.Element.Text)
			}
		}
	}
	doc.Indent(2)
	return doc
}

// WriteGraphML writes the GraphML rendering of s to w.
func WriteGraphML(w io.Writer, s *Snapshot) error {
	if _, err := s.GraphML().WriteTo(w); err != nil {
		return fmt.Errorf("failed to write graphml: %w", err)
	}
	return nil
}

func nodeID(id int) string { return "n" + strconv.Itoa(id) }

func addData(parent *etree.Element, key, value string) {
	d := parent.CreateElement("data")
	d.CreateAttr("key", key)
	d.SetText(value)
}
