package rules

// ExtractRules returns one rule per non-root node of the tree, in depth-first
// order with left subtrees before right ones. A node's rule is the conjunction
// of the split conditions on the path that leads to it.
func ExtractRules(t *Tree, tree int) []Rule {
	if len(t.Nodes) == 0 {
		return nil
	}
	var out []Rule
	var walk func(id int, path []Condition)
	walk = func(id int, path []Condition) {
		n := t.Nodes[id]
		if n.IsLeaf() {
			return
		}
		for _, child := range [...]struct {
			id int
			op Operator
		}{{n.Left, LessOrEqual}, {n.Right, Greater}} {
			conds := make([]Condition, len(path)+1)
			copy(conds, path)
			conds[len(path)] = Condition{Feature: n.Feature, Op: child.op, Threshold: n.Threshold}
			out = append(out, Rule{
				Conditions: conds,
				Provenance: Provenance{Tree: tree, Node: child.id},
			})
			walk(child.id, conds)
		}
	}
	walk(0, nil)
	return out
}
