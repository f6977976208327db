package set

// Interface for an item storeable in the set. Items whose Value is nil are
// considered expired: they are skipped during iteration and cleaned up.
type Item interface {
	Key() string
	Value() interface{}
}

type item struct {
	key   string
	value interface{}
}

func (i *item) Key() string {
	return i.key
}

func (i *item) Value() interface{} {
	return i.value
}

// Itemize wraps a key and value into an Item.
func Itemize(key string, value interface{}) Item {
	return &item{key, value}
}

type StringItem string

func (item StringItem) Key() string {
	return string(item)
}

func (item StringItem) Value() interface{} {
	return string(item)
}
