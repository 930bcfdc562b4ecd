package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

func groupJID(user string) types.JID {
	return types.NewJID(user, types.GroupServer)
}

func groupInfo(user, name string, members ...string) *types.GroupInfo {
	info := &types.GroupInfo{JID: groupJID(user)}
	info.Name = name
	for _, member := range members {
		info.Participants = append(info.Participants, types.GroupParticipant{
			JID: types.NewJID(member, types.DefaultUserServer),
		})
	}
	return info
}

func keywordCache(keywords ...string) *GroupCache {
	return NewGroupCache(func() []string { return keywords })
}

func TestRebuildFiltersByKeywordAndSortsByName(t *testing.T) {
	cache := keywordCache("vagas")

	changed := cache.Rebuild([]*types.GroupInfo{
		groupInfo("100", "Zeta Vagas", "a"),
		groupInfo("200", "Family chat", "b"),
		groupInfo("300", "alpha VAGAS", "c", "d"),
	})
	require.True(t, changed)

	records, generation := cache.Ordered()
	require.Len(t, records, 2)
	assert.Equal(t, "alpha VAGAS", records[0].Name)
	assert.Equal(t, "Zeta Vagas", records[1].Name)
	assert.Equal(t, uint64(1), generation)
	assert.Equal(t, 3, cache.TotalParticipants())
}

func TestRebuildEmptyResultKeepsExistingCache(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a")}))

	assert.False(t, cache.Rebuild(nil))
	assert.False(t, cache.Rebuild([]*types.GroupInfo{groupInfo("200", "unrelated", "b")}))

	records, generation := cache.Ordered()
	require.Len(t, records, 1)
	assert.Equal(t, "Vagas SP", records[0].Name)
	assert.Equal(t, uint64(1), generation)
}

func TestRebuildIdenticalResultKeepsGeneration(t *testing.T) {
	cache := keywordCache("vagas")
	input := []*types.GroupInfo{groupInfo("100", "Vagas SP", "a", "b")}

	require.True(t, cache.Rebuild(input))
	assert.False(t, cache.Rebuild(input))
	assert.Equal(t, uint64(1), cache.Generation())
}

func TestApplyParticipantChange(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a", "b")}))

	newMember := types.NewJID("c", types.DefaultUserServer)
	cache.ApplyParticipantChange(ParticipantChange{
		Group:        groupJID("100"),
		Action:       ParticipantAdd,
		Participants: []types.JID{newMember},
	})

	rec, ok := cache.Lookup(groupJID("100"))
	require.True(t, ok)
	assert.Equal(t, 3, rec.Size)

	cache.ApplyParticipantChange(ParticipantChange{
		Group:        groupJID("100"),
		Action:       ParticipantPromote,
		Participants: []types.JID{newMember},
	})
	rec, _ = cache.Lookup(groupJID("100"))
	assert.True(t, rec.Participants[2].IsAdmin)

	cache.ApplyParticipantChange(ParticipantChange{
		Group:        groupJID("100"),
		Action:       ParticipantRemove,
		Participants: []types.JID{newMember},
	})
	rec, _ = cache.Lookup(groupJID("100"))
	assert.Equal(t, 2, rec.Size)
}

func TestApplyParticipantChangeUnknownGroupIsNoOp(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a")}))
	before := cache.Generation()

	cache.ApplyParticipantChange(ParticipantChange{
		Group:        groupJID("999"),
		Action:       ParticipantAdd,
		Participants: []types.JID{types.NewJID("x", types.DefaultUserServer)},
	})

	assert.Equal(t, before, cache.Generation())
	assert.Equal(t, 1, cache.Len())
}

func TestApplyGroupUpdateRename(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a")}))

	name := "Renamed away from keywords"
	cache.ApplyGroupUpdate(GroupUpdate{Group: groupJID("100"), Name: &name})

	// Renames never evict; only a full rebuild reconsiders membership.
	rec, ok := cache.Lookup(groupJID("100"))
	require.True(t, ok)
	assert.Equal(t, name, rec.Name)
}

func TestApplyGroupUpsert(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a")}))
	generation := cache.Generation()

	assert.False(t, cache.ApplyGroupUpsert(RecordFromGroupInfo(groupInfo("200", "book club", "b"))))
	assert.Equal(t, 1, cache.Len())

	assert.True(t, cache.ApplyGroupUpsert(RecordFromGroupInfo(groupInfo("300", "Vagas RJ", "c"))))
	assert.Equal(t, 2, cache.Len())
	assert.Greater(t, cache.Generation(), generation)

	records, _ := cache.Ordered()
	assert.Equal(t, "Vagas RJ", records[0].Name)
	assert.Equal(t, "Vagas SP", records[1].Name)
}

func TestLookupReturnsCopy(t *testing.T) {
	cache := keywordCache("vagas")
	require.True(t, cache.Rebuild([]*types.GroupInfo{groupInfo("100", "Vagas SP", "a")}))

	rec, ok := cache.Lookup(groupJID("100"))
	require.True(t, ok)
	rec.Name = "mutated"
	rec.Participants[0].IsAdmin = true

	fresh, _ := cache.Lookup(groupJID("100"))
	assert.Equal(t, "Vagas SP", fresh.Name)
	assert.False(t, fresh.Participants[0].IsAdmin)
}
