package watch

import (
	"context"
	"sync"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

// Merge fans the given sources into a single channel. The output is closed
// once every source is closed or ctx is done. Per-source order is preserved;
// no order is imposed across sources.
func Merge(ctx context.Context, sources ...<-chan model.FileEvent) <-chan model.FileEvent {
	out := make(chan model.FileEvent)

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src <-chan model.FileEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
