// Run list of tagged func(Context)error concurrently.
// All methods are thread-safe.
package actionlist

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

type Func func(context.Context) error

type taggedFunc struct {
	f   Func
	tag string
}

type List struct {
	lk    sync.Mutex
	items []taggedFunc
}

func (self *List) Append(fun Func, tag string) {
	self.lk.Lock()
	self.items = append(self.items, taggedFunc{fun, tag})
	self.lk.Unlock()
}

func (self *List) Len() int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return len(self.items)
}

// Take moves all items to returned list, so each func runs once.
func (self *List) Take() *List {
	self.lk.Lock()
	items := self.items
	self.items = nil
	self.lk.Unlock()
	return &List{items: items}
}

// Do waits for all funcs, errors are tagged.
func (self *List) Do(ctx context.Context) []error {
	self.lk.Lock()
	items := append([]taggedFunc(nil), self.items...)
	self.lk.Unlock()

	errCh := make(chan error, len(items))
	for i := range items {
		go doOne(ctx, items[i], errCh)
	}
	var errs []error
	for range items {
		if e := <-errCh; e != nil {
			errs = append(errs, e)
		}
	}
	return errs
}

func doOne(ctx context.Context, tf taggedFunc, ch chan<- error) {
	if err := tf.f(ctx); err != nil {
		// errors.Annotate without call location
		tagged := errors.NewErrWithCause(err, tf.tag)
		ch <- &tagged
	} else {
		ch <- nil
	}
}
