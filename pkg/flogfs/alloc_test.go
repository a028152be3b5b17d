package flogfs

import "testing"

func Test_Prealloc_Pops_Youngest_First(t *testing.T) {
	t.Parallel()

	var p preallocList

	p.init(4)
	p.push(10, 5)
	p.push(11, 2)
	p.push(12, 9)
	p.push(13, 2)

	wantAges := []blockAge{2, 2, 5, 9}

	for _, want := range wantAges {
		e, ok := p.pop()
		if !ok {
			t.Fatal("pop on non-empty list failed")
		}

		if e.age != want {
			t.Fatalf("popped age %d, want %d", e.age, want)
		}
	}

	if _, ok := p.pop(); ok {
		t.Fatal("pop on empty list succeeded")
	}
}

func Test_Prealloc_Full_List_Drops_Oldest(t *testing.T) {
	t.Parallel()

	var p preallocList

	p.init(2)
	p.push(1, 10)
	p.push(2, 20)

	// Older than every member: dropped.
	p.push(3, 30)

	if len(p.entries) != 2 || p.entries[1].age != 20 {
		t.Fatalf("entries = %+v", p.entries)
	}

	// Younger: evicts the oldest member.
	p.push(4, 5)

	if len(p.entries) != 2 {
		t.Fatalf("entries = %+v", p.entries)
	}

	if p.entries[0].block != 4 || p.entries[1].block != 1 {
		t.Fatalf("entries = %+v", p.entries)
	}

	if p.ageSum != 15 {
		t.Fatalf("ageSum = %d, want 15", p.ageSum)
	}
}

func Test_Prealloc_AgeSum_Tracks_Push_Pop_Remove(t *testing.T) {
	t.Parallel()

	var p preallocList

	p.init(4)
	p.push(1, 3)
	p.push(2, 7)
	p.push(3, 1)

	if p.ageSum != 11 {
		t.Fatalf("ageSum = %d, want 11", p.ageSum)
	}

	p.remove(2)

	if p.ageSum != 4 || len(p.entries) != 2 {
		t.Fatalf("after remove: sum=%d entries=%+v", p.ageSum, p.entries)
	}

	if e, _ := p.pop(); e.block != 3 {
		t.Fatalf("popped %+v, want block 3", e)
	}

	if p.ageSum != 3 {
		t.Fatalf("ageSum = %d, want 3", p.ageSum)
	}
}

func Test_Prealloc_Remove_Missing_Is_Noop(t *testing.T) {
	t.Parallel()

	var p preallocList

	p.init(2)
	p.push(1, 1)
	p.remove(9)

	if len(p.entries) != 1 || p.ageSum != 1 {
		t.Fatalf("entries=%+v sum=%d", p.entries, p.ageSum)
	}
}
