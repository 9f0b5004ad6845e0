package expr

import (
	"github.com/pkg/errors"
)

// MainLayer names the primary matrix of a Collection.
const MainLayer = "X"

// Collection is an annotated cells x genes expression matrix.
type Collection struct {
	// X is the primary matrix.
	X Matrix
	// Layers holds alternate matrices of the same shape as X, e.g., raw
	// counts next to normalized values.
	Layers map[string]Matrix
	// Obs holds one row of annotations per cell.
	Obs *Table
	// Var lists the gene names, one per column of X.
	Var []string
	// Uns is a free-form metadata store. Analyses record their results here
	// under caller-chosen keys.
	Uns map[string]interface{}
}

// New creates a collection and checks that its parts agree in shape.
func New(x Matrix, obs *Table, genes []string) (*Collection, error) {
	c := &Collection{
		X:      x,
		Layers: map[string]Matrix{},
		Obs:    obs,
		Var:    genes,
		Uns:    map[string]interface{}{},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the number of cells in Obs and the number of genes in
// Var match the dimensions of X and of every layer.
func (c *Collection) Validate() error {
	rows, cols := c.X.Dims()
	if c.Obs.Len() != rows {
		return errors.Errorf("collection: %d annotation rows for %d matrix rows", c.Obs.Len(), rows)
	}
	if len(c.Var) != cols {
		return errors.Errorf("collection: %d gene names for %d matrix columns", len(c.Var), cols)
	}
	for name, m := range c.Layers {
		if r, k := m.Dims(); r != rows || k != cols {
			return errors.Errorf("collection: layer %s is %dx%d, expect %dx%d", name, r, k, rows, cols)
		}
	}
	return nil
}

// Shape returns the number of cells and genes.
func (c *Collection) Shape() (cells, genes int) { return c.X.Dims() }

// Layer returns the named matrix. An empty name or MainLayer selects X.
func (c *Collection) Layer(name string) (Matrix, error) {
	if name == "" || name == MainLayer {
		return c.X, nil
	}
	m, ok := c.Layers[name]
	if !ok {
		return nil, errors.Errorf("layer %s not found", name)
	}
	return m, nil
}

// Copy returns a collection that can be mutated without affecting c.
// Matrices are immutable and shared; the annotation table and the maps are
// copied. Values stored in Uns are shared.
func (c *Collection) Copy() *Collection {
	n := &Collection{
		X:      c.X,
		Layers: make(map[string]Matrix, len(c.Layers)),
		Obs:    c.Obs.Copy(),
		Var:    append([]string(nil), c.Var...),
		Uns:    make(map[string]interface{}, len(c.Uns)),
	}
	for k, v := range c.Layers {
		n.Layers[k] = v
	}
	for k, v := range c.Uns {
		n.Uns[k] = v
	}
	return n
}

// PartialLayer returns a working collection whose X is the named layer of c
// and whose annotation table holds only the named columns. The result has no
// other layers and an empty metadata store.
func (c *Collection) PartialLayer(layer string, cols []string) (*Collection, error) {
	m, err := c.Layer(layer)
	if err != nil {
		return nil, err
	}
	obs, err := c.Obs.Select(cols)
	if err != nil {
		return nil, err
	}
	return New(m, obs, append([]string(nil), c.Var...))
}

// Subset returns a collection restricted to the given cells and genes. A nil
// slice keeps everything along that axis. Layers are dropped; the Uns map is
// copied, its values shared.
func (c *Collection) Subset(cells, genes []int) *Collection {
	obs := c.Obs
	if cells != nil {
		obs = c.Obs.Subset(cells)
	} else {
		obs = c.Obs.Copy()
	}
	vars := c.Var
	if genes != nil {
		vars = make([]string, len(genes))
		for i, g := range genes {
			vars[i] = c.Var[g]
		}
	}
	uns := make(map[string]interface{}, len(c.Uns))
	for k, v := range c.Uns {
		uns[k] = v
	}
	return &Collection{
		X:      Gather(c.X, cells, genes),
		Layers: map[string]Matrix{},
		Obs:    obs,
		Var:    vars,
		Uns:    uns,
	}
}
