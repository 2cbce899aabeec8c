package fn

// FuncList collects release functions of a resource owner.
type FuncList []func()

// Add appends f, nil functions are ignored.
func (c *FuncList) Add(f func()) {
	if f != nil {
		*c = append(*c, f)
	}
}

// ToFunction returns a function that executes all added functions.
//
// Functions are executed in reverse order they were added.
func (c FuncList) ToFunction() func() {
	return func() {
		for i := range c {
			c[len(c)-1-i]()
		}
	}
}

// Execute all added functions
func (c FuncList) Execute() {
	c.ToFunction()()
}
