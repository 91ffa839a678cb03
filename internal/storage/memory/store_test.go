package memory

import (
	"testing"

	"github.com/JakeFAU/linkrelay/internal/relay"
	"github.com/JakeFAU/linkrelay/internal/storage/storetest"
)

func TestStoreBehaviour(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) relay.Store {
		return NewStore(&storetest.SequentialIDs{}, storetest.FixedClock{T: storetest.Epoch})
	})
}
