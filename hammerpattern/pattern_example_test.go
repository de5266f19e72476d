package hammerpattern_test

import (
	"fmt"
	"log"

	"github.com/knapsack-labs/rowhammer/hammerpattern"
)

func ExampleCompile() {
	pattern, err := hammerpattern.Compile("vav", 1, 0, nil)
	if err != nil {
		log.Fatalln(err)
	}

	for _, slot := range pattern.Slots {
		fmt.Printf("row_offset=%d aggressor=%v\n", slot.RowOffset, slot.Aggressor)
	}

	// Output:
	// row_offset=0 aggressor=false
	// row_offset=1 aggressor=true
	// row_offset=2 aggressor=false
}
