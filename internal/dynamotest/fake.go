// Package dynamotest provides an in-memory stand-in for the DynamoDB client
// used by the stores. It understands the small expression dialect the stores
// emit: SET/ADD/REMOVE updates, AND-joined comparisons and
// attribute_exists/attribute_not_exists conditions.
package dynamotest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// MaxTransactItems mirrors the service limit on TransactWriteItems.
const MaxTransactItems = 100

type Item = map[string]types.AttributeValue

type index struct {
	hash, rng string
}

type table struct {
	key     string
	items   map[string]Item
	indexes map[string]index
}

// Fake is safe for concurrent use; every call is atomic with respect to the
// others, which is what the store's conditional writes rely on.
type Fake struct {
	mu           sync.Mutex
	tables       map[string]*table
	calls        map[string]int
	transactions []int
	hook         func(op, table string) error
}

func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by a single string hash key.
func (f *Fake) CreateTable(name, hashKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{key: hashKey, items: map[string]Item{}, indexes: map[string]index{}}
}

// CreateIndex registers a secondary index used by Query.
func (f *Fake) CreateIndex(tableName, indexName, hashAttr, rangeAttr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mustTable(tableName).indexes[indexName] = index{hash: hashAttr, rng: rangeAttr}
}

// FailWhen installs a hook consulted before every operation. A non-nil error
// is returned to the caller instead of executing the operation.
func (f *Fake) FailWhen(fn func(op, table string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

// Seed stores item directly, bypassing conditions.
func (f *Fake) Seed(tableName string, item Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.mustTable(tableName)
	t.items[mustKey(t, item)] = copyItem(item)
}

// Get returns a copy of the stored item or nil.
func (f *Fake) Get(tableName, key string) Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.mustTable(tableName).items[key]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Items returns copies of every item in a table.
func (f *Fake) Items(tableName string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Item
	for _, it := range f.mustTable(tableName).items {
		out = append(out, copyItem(it))
	}
	return out
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TransactionSizes returns the action count of every committed transaction.
func (f *Fake) TransactionSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.transactions...)
}

func (f *Fake) begin(op, tableName string) error {
	f.calls[op]++
	if f.hook != nil {
		return f.hook(op, tableName)
	}
	return nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem", *in.TableName); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	it, ok := t.items[mustKey(t, in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem", *in.TableName); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	k := mustKey(t, in.Item)
	old := t.items[k]
	ok, err := evalCondition(deref(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}
	t.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem", *in.TableName); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	k := mustKey(t, in.Key)
	old := t.items[k]
	ok, err := evalCondition(deref(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}
	updated, err := applyUpdate(deref(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old, in.Key)
	if err != nil {
		return nil, err
	}
	t.items[k] = updated

	out := &dyn.UpdateItemOutput{}
	switch in.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = copyItem(updated)
	case types.ReturnValueAllOld, types.ReturnValueUpdatedOld:
		out.Attributes = copyItem(old)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query", *in.TableName); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	var idx index
	if in.IndexName != nil {
		var ok bool
		if idx, ok = t.indexes[*in.IndexName]; !ok {
			return nil, validation("index %s not found on %s", *in.IndexName, *in.TableName)
		}
	}

	var matched []Item
	for _, it := range t.items {
		// index entries exist only for items carrying every index key
		if (idx.hash != "" && it[idx.hash] == nil) || (idx.rng != "" && it[idx.rng] == nil) {
			continue
		}
		ok, err := evalCondition(deref(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if in.FilterExpression != nil {
			if ok, err = evalCondition(*in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it); err != nil || !ok {
				if err != nil {
					return nil, err
				}
				continue
			}
		}
		matched = append(matched, copyItem(it))
	}

	sortKey := idx.rng
	sort.SliceStable(matched, func(i, j int) bool {
		if sortKey != "" {
			if c := compare(matched[i][sortKey], matched[j][sortKey]); c != 0 {
				return c < 0
			}
		}
		return mustKey(t, matched[i]) < mustKey(t, matched[j])
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	out := &dyn.QueryOutput{}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = Item{t.key: last[t.key]}
	}
	out.Items = matched
	out.Count = int32(len(matched))
	return out, nil
}

type txAction struct {
	t      *table
	key    string
	cond   string
	names  map[string]string
	values map[string]types.AttributeValue
	rvccf  types.ReturnValuesOnConditionCheckFailure
	apply  func(old Item) (Item, error)
	delete bool
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tableName := ""
	if len(in.TransactItems) > 0 {
		tableName = transactTable(in.TransactItems[0])
	}
	if err := f.begin("TransactWriteItems", tableName); err != nil {
		return nil, err
	}
	if len(in.TransactItems) == 0 || len(in.TransactItems) > MaxTransactItems {
		return nil, validation("transaction must contain 1..%d actions, got %d", MaxTransactItems, len(in.TransactItems))
	}

	actions := make([]txAction, 0, len(in.TransactItems))
	seen := map[string]bool{}
	for _, ti := range in.TransactItems {
		var a txAction
		switch {
		case ti.Put != nil:
			p := ti.Put
			item := p.Item
			a = txAction{t: f.mustTable(*p.TableName), cond: deref(p.ConditionExpression), names: p.ExpressionAttributeNames, values: p.ExpressionAttributeValues, rvccf: p.ReturnValuesOnConditionCheckFailure,
				apply: func(Item) (Item, error) { return copyItem(item), nil }}
			a.key = mustKey(a.t, item)
		case ti.Update != nil:
			u := ti.Update
			a = txAction{t: f.mustTable(*u.TableName), cond: deref(u.ConditionExpression), names: u.ExpressionAttributeNames, values: u.ExpressionAttributeValues, rvccf: u.ReturnValuesOnConditionCheckFailure}
			a.key = mustKey(a.t, u.Key)
			a.apply = func(old Item) (Item, error) {
				return applyUpdate(*u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues, old, u.Key)
			}
		case ti.ConditionCheck != nil:
			c := ti.ConditionCheck
			a = txAction{t: f.mustTable(*c.TableName), cond: deref(c.ConditionExpression), names: c.ExpressionAttributeNames, values: c.ExpressionAttributeValues, rvccf: c.ReturnValuesOnConditionCheckFailure}
			a.key = mustKey(a.t, c.Key)
		case ti.Delete != nil:
			d := ti.Delete
			a = txAction{t: f.mustTable(*d.TableName), cond: deref(d.ConditionExpression), names: d.ExpressionAttributeNames, values: d.ExpressionAttributeValues, rvccf: d.ReturnValuesOnConditionCheckFailure, delete: true}
			a.key = mustKey(a.t, d.Key)
		default:
			return nil, validation("empty transact item")
		}
		id := fmt.Sprintf("%p/%s", a.t, a.key)
		if seen[id] {
			return nil, validation("transaction cannot include multiple operations on one item")
		}
		seen[id] = true
		actions = append(actions, a)
	}

	reasons := make([]types.CancellationReason, len(actions))
	failed := false
	for i, a := range actions {
		old := a.t.items[a.key]
		ok, err := evalCondition(a.cond, a.names, a.values, old)
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: str("None")}
			continue
		}
		failed = true
		reasons[i] = types.CancellationReason{Code: str("ConditionalCheckFailed"), Message: str("The conditional request failed")}
		if a.rvccf == types.ReturnValuesOnConditionCheckFailureAllOld && old != nil {
			reasons[i].Item = copyItem(old)
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             str("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, a := range actions {
		if a.delete {
			delete(a.t.items, a.key)
			continue
		}
		if a.apply == nil {
			continue
		}
		next, err := a.apply(a.t.items[a.key])
		if err != nil {
			return nil, err
		}
		a.t.items[a.key] = next
	}
	f.transactions = append(f.transactions, len(actions))
	return &dyn.TransactWriteItemsOutput{}, nil
}

func transactTable(ti types.TransactWriteItem) string {
	switch {
	case ti.Put != nil:
		return deref(ti.Put.TableName)
	case ti.Update != nil:
		return deref(ti.Update.TableName)
	case ti.ConditionCheck != nil:
		return deref(ti.ConditionCheck.TableName)
	case ti.Delete != nil:
		return deref(ti.Delete.TableName)
	}
	return ""
}

func (f *Fake) mustTable(name string) *table {
	t, ok := f.tables[name]
	if !ok {
		panic("dynamotest: unknown table " + name)
	}
	return t
}

func mustKey(t *table, item Item) string {
	v, ok := item[t.key].(*types.AttributeValueMemberS)
	if !ok {
		panic("dynamotest: item has no string key " + t.key)
	}
	return v.Value
}

func conditionFailed(old Item, rv types.ReturnValuesOnConditionCheckFailure) error {
	e := &types.ConditionalCheckFailedException{Message: str("The conditional request failed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld && old != nil {
		e.Item = copyItem(old)
	}
	return e
}

func validation(format string, args ...any) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: fmt.Sprintf(format, args...), Fault: smithy.FaultClient}
}

var comparison = regexp.MustCompile(`^(\S+)\s*(=|<>|<=|>=|<|>)\s*(\S+)$`)

func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item Item) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(clause[len("attribute_not_exists("):len(clause)-1], names)
			if item != nil && item[attr] != nil {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(clause[len("attribute_exists("):len(clause)-1], names)
			if item == nil || item[attr] == nil {
				return false, nil
			}
		default:
			m := comparison.FindStringSubmatch(clause)
			if m == nil {
				return false, validation("unsupported condition clause %q", clause)
			}
			val, ok := values[m[3]]
			if !ok {
				return false, validation("missing expression value %s", m[3])
			}
			if item == nil {
				return false, nil
			}
			cur := item[resolveName(m[1], names)]
			if cur == nil {
				return false, nil
			}
			c := compare(cur, val)
			var hold bool
			switch m[2] {
			case "=":
				hold = c == 0
			case "<>":
				hold = c != 0
			case "<":
				hold = c < 0
			case "<=":
				hold = c <= 0
			case ">":
				hold = c > 0
			case ">=":
				hold = c >= 0
			}
			if !hold {
				return false, nil
			}
		}
	}
	return true, nil
}

func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, old Item, key Item) (Item, error) {
	next := copyItem(old)
	if next == nil {
		next = Item{}
		for k, v := range key {
			next[k] = v
		}
	}

	sections := map[string][]string{}
	mode := ""
	for _, tok := range strings.Fields(expr) {
		switch tok {
		case "SET", "ADD", "REMOVE":
			mode = tok
			sections[mode] = append(sections[mode], "")
			continue
		}
		if mode == "" {
			return nil, validation("update expression must start with SET, ADD or REMOVE: %q", expr)
		}
		s := sections[mode]
		s[len(s)-1] = strings.TrimSpace(s[len(s)-1] + " " + tok)
	}

	for _, body := range sections["SET"] {
		for _, assign := range strings.Split(body, ",") {
			parts := strings.SplitN(assign, "=", 2)
			if len(parts) != 2 {
				return nil, validation("bad SET clause %q", assign)
			}
			val, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return nil, validation("missing expression value %s", parts[1])
			}
			next[resolveName(strings.TrimSpace(parts[0]), names)] = val
		}
	}
	for _, body := range sections["ADD"] {
		for _, add := range strings.Split(body, ",") {
			fields := strings.Fields(add)
			if len(fields) != 2 {
				return nil, validation("bad ADD clause %q", add)
			}
			attr := resolveName(fields[0], names)
			delta, ok := values[fields[1]].(*types.AttributeValueMemberN)
			if !ok {
				return nil, validation("ADD needs a numeric value")
			}
			var cur int64
			if n, ok := next[attr].(*types.AttributeValueMemberN); ok {
				cur, _ = strconv.ParseInt(n.Value, 10, 64)
			}
			d, err := strconv.ParseInt(delta.Value, 10, 64)
			if err != nil {
				return nil, validation("bad number %q", delta.Value)
			}
			next[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+d, 10)}
		}
	}
	for _, body := range sections["REMOVE"] {
		for _, attr := range strings.Split(body, ",") {
			delete(next, resolveName(strings.TrimSpace(attr), names))
		}
	}
	return next, nil
}

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

// compare orders numbers numerically and everything else by string form.
func compare(a, b types.AttributeValue) int {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if aok && bok {
		x, _ := strconv.ParseFloat(an.Value, 64)
		y, _ := strconv.ParseFloat(bn.Value, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(scalar(a), scalar(b))
}

func scalar(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(t.Value)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func copyItem(it Item) Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func str(s string) *string { return &s }
