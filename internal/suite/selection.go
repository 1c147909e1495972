package suite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrEmptySelection is returned when a selection matches no case
var ErrEmptySelection = errors.New("no valid selections")

// ParseSelection parses comma separated numbers and ranges such as "1-3"
// into sorted, de-duplicated 1-based indices. Entries outside 1..max are
// dropped silently; malformed entries are errors.
func ParseSelection(input string, max int) ([]int, error) {
	seen := map[int]struct{}{}
	add := func(i int) {
		if i >= 1 && i <= max {
			seen[i] = struct{}{}
		}
	}

	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			if len(bounds) != 2 {
				return nil, fmt.Errorf("invalid range format: %s", part)
			}
			start, errStart := strconv.Atoi(strings.TrimSpace(bounds[0]))
			end, errEnd := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if errStart != nil || errEnd != nil {
				return nil, fmt.Errorf("invalid range numbers: %s", part)
			}
			if start > end {
				return nil, fmt.Errorf("range start must be <= end: %s", part)
			}
			for i := start; i <= end; i++ {
				add(i)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %s", part)
		}
		add(n)
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func isAll(input string) bool {
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "" || input == "all"
}

// Select resolves a selection against cases. Besides numbers and ranges,
// an entry may name a case by slug.
func Select(cases []Case, input string) ([]Case, error) {
	if isAll(input) {
		return cases, nil
	}

	bySlug := make(map[string]int, len(cases))
	for i, c := range cases {
		bySlug[strings.ToLower(c.Slug)] = i + 1
	}
	var numeric []string
	picked := map[int]struct{}{}
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if idx, ok := bySlug[strings.ToLower(part)]; ok {
			picked[idx] = struct{}{}
			continue
		}
		numeric = append(numeric, part)
	}

	indices, err := ParseSelection(strings.Join(numeric, ","), len(cases))
	if err != nil {
		return nil, err
	}
	for _, i := range indices {
		picked[i] = struct{}{}
	}
	if len(picked) == 0 {
		return nil, ErrEmptySelection
	}

	ordered := make([]int, 0, len(picked))
	for i := range picked {
		ordered = append(ordered, i)
	}
	sort.Ints(ordered)
	selected := make([]Case, len(ordered))
	for i, idx := range ordered {
		selected[i] = cases[idx-1]
	}
	return selected, nil
}

// Prompt lists cases on out and reads a selection from in until it is
// valid. End of input selects every case.
func Prompt(in io.Reader, out io.Writer, cases []Case) ([]Case, error) {
	if len(cases) == 0 {
		return nil, ErrEmptySelection
	}
	if len(cases) == 1 {
		fmt.Fprintf(out, "Only one test case found. Running: %s\n", cases[0].DisplayName)
		return cases, nil
	}

	fmt.Fprintln(out, "\nAvailable test cases:")
	for i, c := range cases {
		fmt.Fprintf(out, "  %d. %s\n", i+1, c.DisplayName)
	}

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "\nSelect test cases to run (numbers, ranges like \"1-3\", \"all\", or press Enter for all): ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if isAll(line) {
			fmt.Fprintln(out, "Running all test cases")
			return cases, nil
		}

		selected, selErr := Select(cases, line)
		switch {
		case errors.Is(selErr, ErrEmptySelection):
			fmt.Fprintln(out, "No valid selections. Please try again.")
		case selErr != nil:
			fmt.Fprintf(out, "Invalid selection: %v. Please try again.\n", selErr)
		default:
			names := make([]string, len(selected))
			for i, c := range selected {
				names[i] = c.DisplayName
			}
			fmt.Fprintf(out, "Running %d selected test case(s): %s\n", len(selected), strings.Join(names, ", "))
			return selected, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptySelection
		}
	}
}
