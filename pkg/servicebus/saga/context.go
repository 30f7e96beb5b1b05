package saga

/*
Context is the instance a handler works on. Handlers mutate State and may call Complete, the coordinator
persists the outcome after every handler for the message returned.
*/
type Context struct {
	ID          string
	Type        string
	State       map[string]interface{}
	IsNew       bool
	IsCompleted bool
	revision    int
	lockKey     string
	correlated  map[string]string
	definitions []*Definition
}

func newContext(def *Definition, rule CorrelationRule, value string, lockKey string) *Context {
	return &Context{
		Type:        def.Name,
		State:       map[string]interface{}{rule.Property: value},
		IsNew:       true,
		lockKey:     lockKey,
		correlated:  make(map[string]string),
		definitions: []*Definition{def},
	}
}

func loadContext(instance *Instance, lockKey string) *Context {
	ctx := &Context{
		ID:         instance.ID,
		Type:       instance.Type,
		State:      CopyState(instance.State),
		revision:   instance.Revision,
		lockKey:    lockKey,
		correlated: make(map[string]string),
	}
	if ctx.State == nil {
		ctx.State = make(map[string]interface{})
	}
	return ctx
}

//Complete the saga. The instance is deleted and becomes unreachable for further messages.
func (ctx *Context) Complete() {
	ctx.IsCompleted = true
}

//Revision is the stored revision the instance was loaded with.
func (ctx *Context) Revision() int {
	return ctx.revision
}

func (ctx *Context) attach(def *Definition) {
	for _, existing := range ctx.definitions {
		if existing == def {
			return
		}
	}
	ctx.definitions = append(ctx.definitions, def)
}

//snapshot records the correlation values the instance is currently indexed under.
func (ctx *Context) snapshot() {
	for _, def := range ctx.definitions {
		for _, rule := range def.Rules() {
			ctx.correlated[rule.Property] = propertyValue(ctx.State, rule.Property)
		}
	}
}

func (ctx *Context) correlationChanged() bool {
	for property, value := range ctx.correlated {
		if propertyValue(ctx.State, property) != value {
			return true
		}
	}
	return false
}

func propertyValue(state map[string]interface{}, property string) string {
	return render(state[property])
}
