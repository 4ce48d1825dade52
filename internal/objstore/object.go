package objstore

// RowID addresses a row within its table. Row ids are assigned from a
// per-table monotonic counter and stay stable for the life of the object;
// a deleted row's id is never reassigned.
type RowID uint64

// Object is a typed record: a table name plus an ordered list of fields.
// Before Add it is a plain in-memory value; after Add it carries its store
// affiliation and row id. An Object is not safe for concurrent use.
type Object struct {
	table  string
	fields []Field
	index  map[string]int

	// persistence state
	storeTag  string
	row       RowID
	persisted bool
	deleted   bool
	dirty     bool
}

// Field is one named value. Field order is the object's declared order and
// drives the stable traversal used when links cascade.
type Field struct {
	Name  string
	Value Value
}

// NewObject makes an unpersisted object for the named table.
func NewObject(table string) *Object {
	return &Object{table: table, index: make(map[string]int)}
}

// Table returns the table the object belongs to.
func (o *Object) Table() string { return o.table }

// Set adds or replaces a field, preserving first-set order.
func (o *Object) Set(name string, v Value) *Object {
	o.dirty = true
	if i, ok := o.index[name]; ok {
		o.fields[i].Value = v
		return o
	}
	o.index[name] = len(o.fields)
	o.fields = append(o.fields, Field{Name: name, Value: v})
	return o
}

// Get returns the named field's value.
func (o *Object) Get(name string) (Value, bool) {
	i, ok := o.index[name]
	if !ok {
		return Value{}, false
	}
	return o.fields[i].Value, true
}

// Fields returns the fields in declared order. The slice is the object's
// own storage; callers must not append to it.
func (o *Object) Fields() []Field { return o.fields }

// Row returns the object's row id. Only meaningful once persisted.
func (o *Object) Row() RowID { return o.row }

// Persisted reports whether the object has been added to a store.
func (o *Object) Persisted() bool { return o.persisted }

// Deleted reports whether the object has been deleted from its store.
func (o *Object) Deleted() bool { return o.deleted }

// Dirty reports whether a field was set since the object was decoded or
// persisted. Migrations use it to rewrite only mutated rows.
func (o *Object) Dirty() bool { return o.dirty }

func (o *Object) markPersisted(tag string, row RowID) {
	o.storeTag = tag
	o.row = row
	o.persisted = true
	o.deleted = false
	o.dirty = false
}

func (o *Object) markDeleted() {
	o.deleted = true
}

// linkStub builds the placeholder object a decoded link value points to.
func linkStub(tag, table string, row RowID) *Object {
	return &Object{
		table:     table,
		index:     make(map[string]int),
		storeTag:  tag,
		row:       row,
		persisted: true,
	}
}
